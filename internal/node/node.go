// Package node wires the group engine, the peer directory and the transport
// into one delivery and session coordination service.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zmlAEQ/mlsnet/internal/directory"
	"github.com/zmlAEQ/mlsnet/internal/epoch"
	"github.com/zmlAEQ/mlsnet/internal/mls"
	"github.com/zmlAEQ/mlsnet/internal/p2p"
	"github.com/zmlAEQ/mlsnet/internal/session"
	"github.com/zmlAEQ/mlsnet/pkg/bus"
	"github.com/zmlAEQ/mlsnet/pkg/logger"
	"github.com/zmlAEQ/mlsnet/pkg/metrics"
)

type Config struct {
	JoinTimeout       time.Duration // bound on waiting for a welcome
	InboundQueue      int           // transport events buffered before drops
	MessageBuffer     int           // decrypted messages buffered for the consumer
	ReplayCacheSize   int
	FanoutLimit       int // concurrent sends per broadcast
	PresenceInterval  time.Duration
	PresenceCacheSize int
}

func defaultConfig(c Config) Config {
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 30 * time.Second
	}
	if c.InboundQueue <= 0 {
		c.InboundQueue = 256
	}
	if c.MessageBuffer <= 0 {
		c.MessageBuffer = 64
	}
	if c.ReplayCacheSize <= 0 {
		c.ReplayCacheSize = 1024
	}
	if c.FanoutLimit <= 0 {
		c.FanoutLimit = 8
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = 10 * time.Second
	}
	if c.PresenceCacheSize <= 0 {
		c.PresenceCacheSize = 256
	}
	return c
}

// Node is one participant. Commands run on the caller's goroutine; inbound
// traffic is handled by a single dispatch loop.
type Node struct {
	cfg       Config
	transport p2p.Transport
	sess      *session.Machine
	sync      *epoch.Synchronizer[*groupState]
	coord     *Coordinator
	router    *Router
	bus       *bus.Bus
	presence  *presenceTable
	poke      chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a node on t and engine. Transport handlers are registered here,
// so New must run before the transport starts.
func New(cfg Config, t p2p.Transport, engine GroupEngine) (*Node, error) {
	cfg = defaultConfig(cfg)
	sess := session.New()
	st := &groupState{engine: engine, dir: directory.New(engine.Self())}
	guard := epoch.New(st, func(g *groupState) {
		ep, _ := g.engine.Epoch()
		metrics.SetGauge("epoch_current", nil, float64(ep))
		metrics.SetGauge("directory_entries", nil, float64(g.dir.Len()))
	})
	router, err := newRouter(t, sess, guard, cfg.ReplayCacheSize, cfg.MessageBuffer, cfg.FanoutLimit)
	if err != nil {
		return nil, err
	}
	presence, err := newPresenceTable(cfg.PresenceCacheSize)
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:       cfg,
		transport: t,
		sess:      sess,
		sync:      guard,
		router:    router,
		bus:       bus.New(cfg.InboundQueue),
		presence:  presence,
		poke:      make(chan struct{}, 1),
	}
	n.coord = &Coordinator{
		self:        t.Self(),
		transport:   t,
		sess:        sess,
		sync:        guard,
		router:      router,
		joinTimeout: cfg.JoinTimeout,
		onChange:    n.announceSoon,
	}
	router.coord = n.coord

	t.OnMessage(func(from p2p.PeerAddress, data []byte) {
		n.bus.Publish(context.Background(), bus.Event{Kind: bus.KindInbound, From: string(from), Body: data})
	})
	t.OnPeerConnected(func(p p2p.PeerAddress) {
		n.bus.Publish(context.Background(), bus.Event{Kind: bus.KindPeerConnected, From: string(p)})
	})
	t.OnPeerDisconnected(func(p p2p.PeerAddress) {
		n.bus.Publish(context.Background(), bus.Event{Kind: bus.KindPeerDisconnected, From: string(p)})
	})
	if pt, ok := t.(p2p.PresenceTransport); ok {
		pt.OnPresence(n.presence.observe)
	}
	return n, nil
}

func (n *Node) Name() string { return "mls-node" }

// Start launches the dispatch loop and, if the transport supports it,
// presence announcements.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.run(runCtx)
	}()
	if pt, ok := n.transport.(p2p.PresenceTransport); ok {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.announceLoop(runCtx, pt)
		}()
	}
	logger.InfoJ("service_op", map[string]any{"service": n.Name(), "op": "start", "peer": string(n.transport.Self()), "member": string(n.Self())})
	return nil
}

// Stop halts the background loops. Group state is kept in memory.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	done := make(chan struct{})
	go func() { n.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) run(ctx context.Context) {
	sub := n.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			n.dispatch(ctx, ev)
		}
	}
}

func (n *Node) dispatch(ctx context.Context, ev bus.Event) {
	if ev.TraceID == "" {
		ev.TraceID = uuid.NewString()
	}
	ctx = withTrace(ctx, ev.TraceID)
	peer := p2p.PeerAddress(ev.From)
	switch ev.Kind {
	case bus.KindInbound:
		n.router.OnInbound(ctx, peer, ev.Body)
	case bus.KindPeerDisconnected:
		_ = n.sync.Do(func(g *groupState) error {
			if m, ok := g.dir.Disconnected(peer); ok {
				logger.InfoJ("directory", map[string]any{"op": "unbind", "member": string(m), "peer": ev.From, "trace_id": ev.TraceID})
			}
			return nil
		})
	case bus.KindPeerConnected:
		_ = n.sync.Do(func(g *groupState) error {
			if m, ok := g.dir.Connected(peer); ok {
				logger.InfoJ("directory", map[string]any{"op": "rebind", "member": string(m), "peer": ev.From, "trace_id": ev.TraceID})
			}
			return nil
		})
	}
}

func command(op string) context.Context {
	return withTrace(context.Background(), op+"-"+uuid.NewString())
}

// Create founds a group.
func (n *Node) Create() (mls.GroupHandle, error) {
	return n.coord.CreateGroup(command("create"))
}

// Join asks target (a peer ID or multiaddr) for admission and blocks until
// the welcome is applied, the join window elapses or ctx ends.
func (n *Node) Join(ctx context.Context, target string) error {
	return n.coord.RequestJoin(withTrace(ctx, "join-"+uuid.NewString()), target)
}

// Send broadcasts data to the group.
func (n *Node) Send(ctx context.Context, data []byte) ([]Delivery, error) {
	return n.router.SendApplicationMessage(withTrace(ctx, "send-"+uuid.NewString()), data)
}

// Leave discards local group state.
func (n *Node) Leave() error {
	return n.coord.Leave(command("leave"))
}

// Messages streams decrypted application messages.
func (n *Node) Messages() <-chan Message { return n.router.Messages() }

// Self returns the local member id.
func (n *Node) Self() mls.MemberID {
	return epoch.Read(n.sync, func(g *groupState) mls.MemberID { return g.engine.Self() })
}

// Status is a point-in-time view of the node.
type Status struct {
	Peer        p2p.PeerAddress   `json:"peer"`
	Member      mls.MemberID      `json:"member"`
	State       session.State     `json:"state"`
	Group       mls.GroupHandle   `json:"group,omitempty"`
	Epoch       uint64            `json:"epoch"`
	Members     int               `json:"members"`
	Directory   []directory.Entry `json:"directory,omitempty"`
	PendingJoin string            `json:"pending_join,omitempty"`
}

func (n *Node) Status() Status {
	return epoch.Read(n.sync, func(g *groupState) Status {
		s := Status{
			Peer:      n.transport.Self(),
			Member:    g.engine.Self(),
			State:     n.sess.State(),
			Members:   len(g.engine.Members()),
			Directory: g.dir.Entries(),
		}
		s.Group, _ = g.engine.Group()
		s.Epoch, _ = g.engine.Epoch()
		if g.pending != nil {
			s.PendingJoin = string(g.pending.Target)
		}
		return s
	})
}
