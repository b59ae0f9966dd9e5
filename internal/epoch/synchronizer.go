// Package epoch provides the single critical section that owns a node's
// group engine and peer directory.
package epoch

import (
	"sync"
	"time"

	"github.com/zmlAEQ/mlsnet/pkg/metrics"
)

// Synchronizer serializes every access to S. Callers must not perform
// transport I/O inside Do.
type Synchronizer[S any] struct {
	mu      sync.Mutex
	state   S
	observe func(S)
}

// New wraps state. observe, if non-nil, runs at the end of every critical
// section while the lock is still held.
func New[S any](state S, observe func(S)) *Synchronizer[S] {
	return &Synchronizer[S]{state: state, observe: observe}
}

// Do runs fn with exclusive access to the state.
func (s *Synchronizer[S]) Do(fn func(S) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	err := fn(s.state)
	if s.observe != nil {
		s.observe(s.state)
	}
	metrics.ObserveSummary("epoch_lock_ms", nil, float64(time.Since(start).Microseconds())/1000)
	return err
}

// Read runs fn under the lock and returns its result.
func Read[S, T any](s *Synchronizer[S], fn func(S) T) T {
	var out T
	_ = s.Do(func(st S) error {
		out = fn(st)
		return nil
	})
	return out
}
