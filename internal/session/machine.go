// Package session tracks the local node's membership lifecycle.
package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/zmlAEQ/mlsnet/pkg/logger"
	"github.com/zmlAEQ/mlsnet/pkg/metrics"
)

// State is the node's position relative to the group.
type State string

const (
	Uninitialized   State = "uninitialized"
	Founder         State = "founder"
	AwaitingWelcome State = "awaiting_welcome"
	Member          State = "member"
	Left            State = "left"
)

// InGroup reports whether the node holds group state.
func (s State) InGroup() bool { return s == Founder || s == Member }

var (
	// ErrInvalidState is returned by operations invoked outside the states
	// that permit them.
	ErrInvalidState = errors.New("invalid state")
	// ErrAlreadyInGroup: create or join while already holding or awaiting a group.
	ErrAlreadyInGroup = fmt.Errorf("%w: already in group", ErrInvalidState)
	// ErrNotInGroup: group operations before membership.
	ErrNotInGroup = fmt.Errorf("%w: not in group", ErrInvalidState)
)

var edges = map[State][]State{
	Uninitialized:   {Founder, AwaitingWelcome},
	AwaitingWelcome: {Uninitialized, Member},
	Founder:         {Member, Left},
	Member:          {Left},
}

// Machine is the mutex-guarded session state.
type Machine struct {
	mu    sync.Mutex
	state State
}

func New() *Machine { return &Machine{state: Uninitialized} }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Require fails unless the current state is one of allowed. Operations that
// need Uninitialized get ErrAlreadyInGroup, operations that need group state
// get ErrNotInGroup; both wrap ErrInvalidState.
func (m *Machine) Require(op string, allowed ...State) error {
	st := m.State()
	if slices.Contains(allowed, st) {
		return nil
	}
	err := ErrInvalidState
	switch {
	case slices.Contains(allowed, Uninitialized):
		err = ErrAlreadyInGroup
	case slices.ContainsFunc(allowed, State.InGroup):
		err = ErrNotInGroup
	}
	return fmt.Errorf("%s in %s: %w", op, st, err)
}

// Transition moves to the target state if the edge exists. A self transition
// is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(edges[from], to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	m.state = to
	m.mu.Unlock()

	metrics.Inc("session_transitions_total", map[string]string{"from": string(from), "to": string(to)})
	logger.InfoJ("session_state", map[string]any{"from": string(from), "to": string(to)})
	return nil
}
