package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/zmlAEQ/mlsnet/internal/directory"
	"github.com/zmlAEQ/mlsnet/internal/epoch"
	"github.com/zmlAEQ/mlsnet/internal/mls"
	"github.com/zmlAEQ/mlsnet/internal/p2p"
	"github.com/zmlAEQ/mlsnet/internal/p2p/wire"
	"github.com/zmlAEQ/mlsnet/internal/session"
	"github.com/zmlAEQ/mlsnet/pkg/logger"
	"github.com/zmlAEQ/mlsnet/pkg/metrics"
)

// Scope selects the destinations of a send.
type Scope struct {
	peer p2p.PeerAddress
}

// Broadcast targets every resolved member except self.
var Broadcast = Scope{}

// Unicast targets one peer.
func Unicast(peer p2p.PeerAddress) Scope { return Scope{peer: peer} }

func (s Scope) String() string {
	if s.peer == "" {
		return "broadcast"
	}
	return "unicast"
}

// Delivery is the outcome of a send to one peer.
type Delivery struct {
	Peer p2p.PeerAddress
	Err  error
}

func failures(ds []Delivery) int {
	n := 0
	for _, d := range ds {
		if d.Err != nil {
			n++
		}
	}
	return n
}

// Message is a decrypted application message handed to the consumer.
type Message struct {
	Sender mls.MemberID
	Peer   p2p.PeerAddress
	Epoch  uint64
	Data   []byte
	At     time.Time
}

// Router moves envelopes between the transport and the coordinator.
type Router struct {
	transport p2p.Transport
	sess      *session.Machine
	sync      *epoch.Synchronizer[*groupState]
	coord     *Coordinator
	replay    *lru.Cache[string, struct{}]
	out       chan Message
	fanout    int
}

func newRouter(t p2p.Transport, sess *session.Machine, sync *epoch.Synchronizer[*groupState], replaySize, buffer, fanout int) (*Router, error) {
	cache, err := lru.New[string, struct{}](replaySize)
	if err != nil {
		return nil, fmt.Errorf("replay cache: %w", err)
	}
	return &Router{
		transport: t,
		sess:      sess,
		sync:      sync,
		replay:    cache,
		out:       make(chan Message, buffer),
		fanout:    fanout,
	}, nil
}

// Messages delivers decrypted application messages. Messages are dropped
// when the consumer falls behind.
func (r *Router) Messages() <-chan Message { return r.out }

// Send encodes msg and delivers it to the peers scope names. The only error
// returned is an encoding failure; per-peer failures are in the deliveries.
func (r *Router) Send(ctx context.Context, msg wire.Message, scope Scope) ([]Delivery, error) {
	raw, err := wire.Encode(msg)
	if err != nil {
		return nil, err
	}
	var dests []p2p.PeerAddress
	if scope.peer != "" {
		dests = []p2p.PeerAddress{scope.peer}
	} else {
		dests = epoch.Read(r.sync, func(g *groupState) []p2p.PeerAddress { return g.dir.Destinations() })
	}
	return r.deliver(ctx, raw, dests), nil
}

// deliver sends raw to every peer concurrently. Each failure is reported as
// ErrNoPeerReachable for that peer; nothing is retried or queued.
func (r *Router) deliver(ctx context.Context, raw []byte, dests []p2p.PeerAddress) []Delivery {
	out := make([]Delivery, len(dests))
	var g errgroup.Group
	g.SetLimit(r.fanout)
	for i, p := range dests {
		out[i].Peer = p
		g.Go(func() error {
			err := r.transport.Send(ctx, p, raw)
			if err != nil && !errors.Is(err, p2p.ErrNoPeerReachable) {
				err = fmt.Errorf("%w: %v", p2p.ErrNoPeerReachable, err)
			}
			out[i].Err = err
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// SendApplicationMessage encrypts data under the current epoch and
// broadcasts it.
func (r *Router) SendApplicationMessage(ctx context.Context, data []byte) ([]Delivery, error) {
	var (
		ct    []byte
		ep    uint64
		dests []p2p.PeerAddress
	)
	err := r.sync.Do(func(g *groupState) error {
		if err := r.sess.Require("send", session.Member); err != nil {
			return err
		}
		var err error
		if ct, err = g.engine.Encrypt(data); err != nil {
			return err
		}
		ep, _ = g.engine.Epoch()
		dests = g.dir.Destinations()
		return nil
	})
	if err != nil {
		return nil, err
	}
	raw, err := wire.Encode(wire.Application{Epoch: ep, Payload: ct})
	if err != nil {
		return nil, err
	}
	ds := r.deliver(ctx, raw, dests)
	metrics.Inc("router_envelopes_total", map[string]string{"kind": string(wire.KindApplication), "result": "sent"})
	logger.InfoJ("router_send", map[string]any{"kind": string(wire.KindApplication), "epoch": ep, "fanout": len(ds), "failed": failures(ds), "trace_id": traceOf(ctx)})
	return ds, nil
}

// OnInbound decodes one envelope and dispatches it. Errors are logged and
// the envelope dropped; nothing propagates to the transport.
func (r *Router) OnInbound(ctx context.Context, from p2p.PeerAddress, raw []byte) {
	kind := "unknown"
	defer func() {
		if rec := recover(); rec != nil {
			metrics.Inc("router_envelopes_total", map[string]string{"kind": kind, "result": "panic"})
			logger.ErrorJ("router_recv", map[string]any{"kind": kind, "peer": string(from), "result": "panic", "err": fmt.Sprint(rec), "trace_id": traceOf(ctx)})
		}
	}()

	msg, err := wire.Decode(raw)
	if err != nil {
		metrics.Inc("router_envelopes_total", map[string]string{"kind": kind, "result": "malformed"})
		logger.WarnJ("router_recv", map[string]any{"peer": string(from), "result": "malformed", "err": err.Error(), "trace_id": traceOf(ctx)})
		return
	}
	kind = string(msg.Kind())

	switch m := msg.(type) {
	case wire.KeyPackage:
		err = r.coord.OnKeyPackageReceived(ctx, from, m.Payload)
	case wire.Commit:
		err = r.coord.OnCommitReceived(ctx, from, m)
	case wire.Welcome:
		err = r.coord.OnWelcomeReceived(ctx, from, m)
	case wire.Application:
		err = r.onApplication(ctx, from, m)
	}
	metrics.Inc("router_envelopes_total", map[string]string{"kind": kind, "result": resultOf(err)})
}

var errReplay = errors.New("replayed application message")

func (r *Router) onApplication(ctx context.Context, from p2p.PeerAddress, m wire.Application) error {
	if err := r.sess.Require("receive", session.Member); err != nil {
		return err
	}
	sum := sha256.Sum256(m.Payload)
	key := hex.EncodeToString(sum[:])
	if r.replay.Contains(key) {
		return errReplay
	}
	var pt mls.Plaintext
	err := r.sync.Do(func(g *groupState) error {
		cur, _ := g.engine.Epoch()
		if m.Epoch != cur {
			return fmt.Errorf("%w: envelope epoch %d at epoch %d", mls.ErrDecryptFailed, m.Epoch, cur)
		}
		var err error
		if pt, err = g.engine.Decrypt(m.Payload); err != nil {
			return err
		}
		bindIfUnresolved(g.dir, pt.Sender, from)
		return nil
	})
	if err != nil {
		logger.WarnJ("router_recv", map[string]any{"kind": string(wire.KindApplication), "peer": string(from), "epoch": m.Epoch, "result": "dropped", "err": err.Error(), "trace_id": traceOf(ctx)})
		return err
	}
	r.replay.Add(key, struct{}{})

	out := Message{Sender: pt.Sender, Peer: from, Epoch: pt.Epoch, Data: pt.Data, At: time.Now()}
	select {
	case r.out <- out:
	default:
		metrics.Inc("router_consumer_dropped_total", nil)
		logger.WarnJ("router_recv", map[string]any{"kind": string(wire.KindApplication), "peer": string(from), "result": "consumer_full", "trace_id": traceOf(ctx)})
	}
	return nil
}

func bindIfUnresolved(d *directory.Directory, member mls.MemberID, peer p2p.PeerAddress) {
	if !d.Has(member) {
		return
	}
	if _, ok := d.Resolve(member); !ok {
		d.Bind(member, peer)
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errReplay):
		return "replay"
	case errors.Is(err, mls.ErrStaleCommit):
		return "stale"
	case errors.Is(err, mls.ErrDecryptFailed):
		return "decrypt_failed"
	case errors.Is(err, mls.ErrAdmissionRejected):
		return "rejected"
	case errors.Is(err, mls.ErrWelcomeMismatch):
		return "welcome_mismatch"
	case errors.Is(err, session.ErrInvalidState):
		return "invalid_state"
	default:
		return "error"
	}
}
