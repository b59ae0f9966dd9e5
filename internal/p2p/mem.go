package p2p

import (
	"context"
	"fmt"
	"sync"

	"github.com/zmlAEQ/mlsnet/internal/p2p/wire"
)

// MemNetwork is an in-process network of MemTransports. Delivery is
// synchronous and in send order, which keeps multi-node tests deterministic.
type MemNetwork struct {
	mu    sync.RWMutex
	nodes map[PeerAddress]*MemTransport
	down  map[PeerAddress]bool
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{nodes: map[PeerAddress]*MemTransport{}, down: map[PeerAddress]bool{}}
}

// Transport registers addr on the network and returns its transport.
func (n *MemNetwork) Transport(addr PeerAddress) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.nodes[addr]; ok {
		return t
	}
	t := &MemTransport{net: n, self: addr}
	n.nodes[addr] = t
	return t
}

// SetReachable marks addr up or down and notifies every other started node.
func (n *MemNetwork) SetReachable(addr PeerAddress, up bool) {
	n.mu.Lock()
	n.down[addr] = !up
	others := make([]*MemTransport, 0, len(n.nodes))
	for a, t := range n.nodes {
		if a != addr {
			others = append(others, t)
		}
	}
	n.mu.Unlock()
	for _, t := range others {
		t.peerEvent(addr, up)
	}
}

func (n *MemNetwork) lookup(addr PeerAddress) (*MemTransport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.nodes[addr]
	if !ok || n.down[addr] {
		return nil, false
	}
	return t, t.isStarted()
}

func (n *MemNetwork) peers(except PeerAddress) []*MemTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*MemTransport, 0, len(n.nodes))
	for a, t := range n.nodes {
		if a != except && !n.down[a] {
			out = append(out, t)
		}
	}
	return out
}

// MemTransport is one node's view of a MemNetwork.
type MemTransport struct {
	net  *MemNetwork
	self PeerAddress

	mu         sync.RWMutex
	started    bool
	onMsg      func(PeerAddress, []byte)
	onUp       func(PeerAddress)
	onDown     func(PeerAddress)
	onPresence func(wire.Presence)
}

func (t *MemTransport) isStarted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started
}

func (t *MemTransport) Start(_ context.Context) error {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	return nil
}

func (t *MemTransport) Stop(_ context.Context) error {
	t.mu.Lock()
	t.started = false
	t.mu.Unlock()
	return nil
}

func (t *MemTransport) Self() PeerAddress { return t.self }

func (t *MemTransport) Resolve(_ context.Context, target string) (PeerAddress, error) {
	addr := PeerAddress(target)
	if _, ok := t.net.lookup(addr); !ok || addr == t.self {
		return "", fmt.Errorf("%w: %s", ErrNoPeerReachable, target)
	}
	return addr, nil
}

func (t *MemTransport) Send(_ context.Context, to PeerAddress, data []byte) error {
	if to == t.self {
		return fmt.Errorf("%w: %s is self", ErrNoPeerReachable, to)
	}
	if _, ok := t.net.lookup(t.self); !ok {
		return fmt.Errorf("%w: local node down", ErrNoPeerReachable)
	}
	dst, ok := t.net.lookup(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPeerReachable, to)
	}
	dst.mu.RLock()
	fn := dst.onMsg
	dst.mu.RUnlock()
	if fn != nil {
		fn(t.self, append([]byte(nil), data...))
	}
	return nil
}

func (t *MemTransport) PublishPresence(_ context.Context, p wire.Presence) error {
	for _, dst := range t.net.peers(t.self) {
		dst.mu.RLock()
		fn := dst.onPresence
		started := dst.started
		dst.mu.RUnlock()
		if fn != nil && started {
			fn(p)
		}
	}
	return nil
}

func (t *MemTransport) OnMessage(fn func(PeerAddress, []byte)) {
	t.mu.Lock()
	t.onMsg = fn
	t.mu.Unlock()
}

func (t *MemTransport) OnPeerConnected(fn func(PeerAddress)) {
	t.mu.Lock()
	t.onUp = fn
	t.mu.Unlock()
}

func (t *MemTransport) OnPeerDisconnected(fn func(PeerAddress)) {
	t.mu.Lock()
	t.onDown = fn
	t.mu.Unlock()
}

func (t *MemTransport) OnPresence(fn func(wire.Presence)) {
	t.mu.Lock()
	t.onPresence = fn
	t.mu.Unlock()
}

func (t *MemTransport) peerEvent(addr PeerAddress, up bool) {
	t.mu.RLock()
	fn := t.onDown
	if up {
		fn = t.onUp
	}
	t.mu.RUnlock()
	if fn != nil {
		fn(addr)
	}
}

var (
	_ Transport         = (*MemTransport)(nil)
	_ PresenceTransport = (*MemTransport)(nil)
)
