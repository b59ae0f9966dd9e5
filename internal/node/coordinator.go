package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zmlAEQ/mlsnet/internal/epoch"
	"github.com/zmlAEQ/mlsnet/internal/mls"
	"github.com/zmlAEQ/mlsnet/internal/p2p"
	"github.com/zmlAEQ/mlsnet/internal/p2p/wire"
	"github.com/zmlAEQ/mlsnet/internal/session"
	"github.com/zmlAEQ/mlsnet/pkg/logger"
	"github.com/zmlAEQ/mlsnet/pkg/metrics"
)

// PendingJoin is an outstanding join attempt.
type PendingJoin struct {
	ID      string
	Target  p2p.PeerAddress
	Started time.Time
	done    chan struct{}
}

// Coordinator runs the create, join and admission handshakes.
type Coordinator struct {
	self        p2p.PeerAddress
	transport   p2p.Transport
	sess        *session.Machine
	sync        *epoch.Synchronizer[*groupState]
	router      *Router
	joinTimeout time.Duration

	// onChange runs after any state or epoch change, outside the lock.
	onChange func()
	// afterStage runs between staging and merging an admission. With the
	// single dispatch loop nothing else can advance the epoch in that gap, so
	// the restage path is only reached through this hook until inbound
	// handshakes are dispatched concurrently.
	afterStage func(attempt int)
}

func observe(op string, start time.Time, err error, fields map[string]any) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, mls.ErrStaleCommit):
		result = "stale"
	case errors.Is(err, session.ErrInvalidState):
		result = "invalid_state"
	case errors.Is(err, p2p.ErrNoPeerReachable):
		result = "unreachable"
	case errors.Is(err, ErrJoinTimeout):
		result = "timeout"
	default:
		result = "error"
	}
	metrics.Inc("handshake_ops_total", map[string]string{"op": op, "result": result})
	metrics.ObserveSummary("handshake_op_ms", map[string]string{"op": op}, float64(time.Since(start).Milliseconds()))
	if fields == nil {
		fields = map[string]any{}
	}
	fields["op"] = op
	fields["result"] = result
	fields["latency_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		fields["err"] = err.Error()
		logger.WarnJ("handshake", fields)
		return
	}
	logger.InfoJ("handshake", fields)
}

func (c *Coordinator) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}

// CreateGroup founds a new single-member group. No network traffic.
func (c *Coordinator) CreateGroup(ctx context.Context) (mls.GroupHandle, error) {
	start := time.Now()
	var h mls.GroupHandle
	err := c.sync.Do(func(g *groupState) error {
		if err := c.sess.Require("create", session.Uninitialized); err != nil {
			return err
		}
		var err error
		if h, err = g.engine.InitGroup(); err != nil {
			return err
		}
		g.dir.Clear()
		g.dir.Bind(g.engine.Self(), c.self)
		return c.sess.Transition(session.Founder)
	})
	observe("create", start, err, map[string]any{"group": string(h), "trace_id": traceOf(ctx)})
	if err == nil {
		c.changed()
	}
	return h, err
}

// RequestJoin asks target to admit this node and waits for the welcome.
func (c *Coordinator) RequestJoin(ctx context.Context, target string) error {
	start := time.Now()
	pj, err := c.beginJoin(ctx, target)
	if err != nil {
		observe("join", start, err, map[string]any{"target": target, "trace_id": traceOf(ctx)})
		return err
	}
	fields := map[string]any{"target": string(pj.Target), "join_id": pj.ID, "trace_id": traceOf(ctx)}

	timer := time.NewTimer(c.joinTimeout)
	defer timer.Stop()
	select {
	case <-pj.done:
	case <-timer.C:
		if c.abandonJoin(pj) {
			err = fmt.Errorf("%w after %s", ErrJoinTimeout, c.joinTimeout)
		}
	case <-ctx.Done():
		if c.abandonJoin(pj) {
			err = ctx.Err()
		}
	}
	observe("join", start, err, fields)
	return err
}

func (c *Coordinator) beginJoin(ctx context.Context, target string) (*PendingJoin, error) {
	if err := c.sess.Require("join", session.Uninitialized); err != nil {
		return nil, err
	}
	peer, err := c.transport.Resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	pj := &PendingJoin{ID: uuid.NewString(), Target: peer, Started: time.Now(), done: make(chan struct{})}
	var kp []byte
	err = c.sync.Do(func(g *groupState) error {
		if err := c.sess.Require("join", session.Uninitialized); err != nil {
			return err
		}
		var err error
		if kp, err = g.engine.MakeKeyPackage(); err != nil {
			return err
		}
		g.pending = pj
		return c.sess.Transition(session.AwaitingWelcome)
	})
	if err != nil {
		return nil, err
	}
	c.changed()

	ds, err := c.router.Send(ctx, wire.KeyPackage{Payload: kp}, Unicast(peer))
	if err == nil {
		err = ds[0].Err
	}
	if err != nil {
		c.abandonJoin(pj)
		return nil, err
	}
	return pj, nil
}

// abandonJoin rolls an unanswered join back to Uninitialized. It reports
// false if the welcome won the race.
func (c *Coordinator) abandonJoin(pj *PendingJoin) bool {
	abandoned := false
	_ = c.sync.Do(func(g *groupState) error {
		if g.pending != pj {
			return nil
		}
		g.pending = nil
		g.engine.Reset()
		g.dir.Clear()
		abandoned = true
		return c.sess.Transition(session.Uninitialized)
	})
	if abandoned {
		c.changed()
	}
	return abandoned
}

type merged struct {
	epoch uint64
	dests []p2p.PeerAddress
}

func (c *Coordinator) stage(kp []byte) (mls.AddResult, error) {
	var s mls.AddResult
	err := c.sync.Do(func(g *groupState) error {
		if err := c.sess.Require("admit", session.Founder, session.Member); err != nil {
			return err
		}
		var err error
		s, err = g.engine.ProposeAdd(kp)
		return err
	})
	return s, err
}

func (c *Coordinator) merge(from p2p.PeerAddress, s mls.AddResult) (merged, error) {
	var m merged
	err := c.sync.Do(func(g *groupState) error {
		if err := c.sess.Require("admit", session.Founder, session.Member); err != nil {
			return err
		}
		up, err := g.engine.ApplyCommit(s.Commit)
		if err != nil {
			return err
		}
		g.dir.Reconcile(memberIDs(up.Members))
		g.dir.Bind(s.Member, from)
		m.epoch = up.Epoch
		for _, p := range g.dir.Destinations() {
			if p != from {
				m.dests = append(m.dests, p)
			}
		}
		if c.sess.State() == session.Founder {
			return c.sess.Transition(session.Member)
		}
		return nil
	})
	return m, err
}

// OnKeyPackageReceived admits the key package's owner and distributes the
// resulting commit and welcome. A commit that loses the race against an
// inbound one is restaged once against the new epoch.
func (c *Coordinator) OnKeyPackageReceived(ctx context.Context, from p2p.PeerAddress, kp []byte) error {
	start := time.Now()
	fields := map[string]any{"peer": string(from), "trace_id": traceOf(ctx)}
	var (
		s   mls.AddResult
		m   merged
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		if s, err = c.stage(kp); err != nil {
			break
		}
		if c.afterStage != nil {
			c.afterStage(attempt)
		}
		m, err = c.merge(from, s)
		if err == nil || !errors.Is(err, mls.ErrStaleCommit) {
			break
		}
		if attempt == 0 {
			logger.InfoJ("handshake", map[string]any{"op": "admit", "result": "retry", "peer": string(from), "trace_id": traceOf(ctx)})
		}
	}
	if err != nil {
		observe("admit", start, err, fields)
		return err
	}
	fields["member"] = string(s.Member)
	fields["epoch"] = m.epoch
	c.changed()

	if ds, werr := c.router.Send(ctx, wire.Welcome{Epoch: m.epoch, Payload: s.Welcome}, Unicast(from)); werr != nil || ds[0].Err != nil {
		if werr == nil {
			werr = ds[0].Err
		}
		logger.WarnJ("handshake", map[string]any{"op": "welcome_send", "result": "error", "peer": string(from), "err": werr.Error(), "trace_id": traceOf(ctx)})
	}
	commit := wire.Commit{
		Epoch:    s.Epoch,
		Payload:  s.Commit,
		Admitted: &wire.Binding{Member: string(s.Member), Peer: string(from)},
	}
	if raw, cerr := wire.Encode(commit); cerr == nil {
		ds := c.router.deliver(ctx, raw, m.dests)
		fields["commit_fanout"] = len(ds)
		fields["commit_failed"] = failures(ds)
	}
	observe("admit", start, nil, fields)
	return nil
}

// OnCommitReceived applies a commit broadcast by another member.
func (c *Coordinator) OnCommitReceived(ctx context.Context, from p2p.PeerAddress, msg wire.Commit) error {
	start := time.Now()
	var up mls.EpochUpdate
	err := c.sync.Do(func(g *groupState) error {
		if err := c.sess.Require("commit", session.Founder, session.Member); err != nil {
			return err
		}
		var err error
		if up, err = g.engine.ApplyCommit(msg.Payload); err != nil {
			return err
		}
		g.dir.Reconcile(memberIDs(up.Members))
		if h := msg.Admitted; h != nil {
			id := mls.MemberID(h.Member)
			if id == up.Added && id != g.engine.Self() {
				if _, ok := g.dir.Resolve(id); !ok {
					g.dir.Bind(id, p2p.PeerAddress(h.Peer))
				}
			}
		}
		bindIfUnresolved(g.dir, up.Committer, from)
		return nil
	})
	fields := map[string]any{"peer": string(from), "trace_id": traceOf(ctx)}
	if err == nil {
		fields["epoch"] = up.Epoch
		fields["added"] = string(up.Added)
		c.changed()
	}
	observe("commit", start, err, fields)
	return err
}

// OnWelcomeReceived completes an outstanding join.
func (c *Coordinator) OnWelcomeReceived(ctx context.Context, from p2p.PeerAddress, msg wire.Welcome) error {
	start := time.Now()
	var (
		up mls.EpochUpdate
		pj *PendingJoin
	)
	err := c.sync.Do(func(g *groupState) error {
		if err := c.sess.Require("welcome", session.AwaitingWelcome); err != nil {
			return err
		}
		if g.pending == nil {
			return fmt.Errorf("welcome without pending join: %w", session.ErrInvalidState)
		}
		var err error
		if up, err = g.engine.ApplyWelcome(msg.Payload); err != nil {
			return err
		}
		g.dir.Clear()
		g.dir.Reconcile(memberIDs(up.Members))
		g.dir.Bind(g.engine.Self(), c.self)
		if up.Committer != g.engine.Self() {
			g.dir.Bind(up.Committer, from)
		}
		pj, g.pending = g.pending, nil
		return c.sess.Transition(session.Member)
	})
	fields := map[string]any{"peer": string(from), "trace_id": traceOf(ctx)}
	if err == nil {
		fields["epoch"] = up.Epoch
		fields["members"] = len(up.Members)
		fields["join_id"] = pj.ID
		close(pj.done)
		c.changed()
	}
	observe("welcome", start, err, fields)
	return err
}

// Leave drops local group state. Other members are not notified.
func (c *Coordinator) Leave(ctx context.Context) error {
	start := time.Now()
	err := c.sync.Do(func(g *groupState) error {
		if err := c.sess.Require("leave", session.Founder, session.Member); err != nil {
			return err
		}
		g.engine.Reset()
		g.dir.Clear()
		return c.sess.Transition(session.Left)
	})
	observe("leave", start, err, map[string]any{"trace_id": traceOf(ctx)})
	if err == nil {
		c.changed()
	}
	return err
}
