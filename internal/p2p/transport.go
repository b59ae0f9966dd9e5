package p2p

import (
	"context"
	"errors"

	"github.com/zmlAEQ/mlsnet/internal/p2p/wire"
)

// ErrNoPeerReachable is returned when the transport cannot address or deliver
// to a destination. It is always per-destination.
var ErrNoPeerReachable = errors.New("no peer reachable")

// PeerAddress is the transport identity of a node (a libp2p peer ID in its
// string form). It is opaque to the group engine.
type PeerAddress string

// Short returns a display form of the address.
func (p PeerAddress) Short() string {
	if len(p) <= 8 {
		return string(p)
	}
	return "…" + string(p[len(p)-8:])
}

// Transport is the unordered, best-effort delivery substrate used by the node.
// Handlers must be registered before Start and must not block.
type Transport interface {
	// Start brings up the network stack.
	Start(ctx context.Context) error
	// Stop shuts the network stack down.
	Stop(ctx context.Context) error

	// Self returns the local address.
	Self() PeerAddress
	// Resolve turns an operator-supplied target (peer ID or full multiaddr)
	// into a reachable address, dialing it if needed.
	Resolve(ctx context.Context, target string) (PeerAddress, error)
	// Send delivers one message to one peer. It fails with
	// ErrNoPeerReachable when the peer cannot be reached.
	Send(ctx context.Context, to PeerAddress, data []byte) error

	// OnMessage registers the inbound message handler.
	OnMessage(fn func(from PeerAddress, data []byte))
	// OnPeerConnected registers the connectivity-up handler.
	OnPeerConnected(fn func(PeerAddress))
	// OnPeerDisconnected registers the connectivity-down handler.
	OnPeerDisconnected(fn func(PeerAddress))
}

// PresenceTransport is an optional extension implemented by transports that
// gossip node presence announcements.
type PresenceTransport interface {
	// PublishPresence announces the local node.
	PublishPresence(ctx context.Context, p wire.Presence) error
	// OnPresence registers a handler invoked on each remote announcement.
	OnPresence(fn func(wire.Presence))
}

// NoopTransport satisfies Transport without any network I/O. Every send
// fails with ErrNoPeerReachable.
type NoopTransport struct{ self PeerAddress }

func NewNoopTransport(self PeerAddress) *NoopTransport { return &NoopTransport{self: self} }

func (n *NoopTransport) Start(_ context.Context) error { return nil }
func (n *NoopTransport) Stop(_ context.Context) error  { return nil }
func (n *NoopTransport) Self() PeerAddress             { return n.self }

func (n *NoopTransport) Resolve(_ context.Context, _ string) (PeerAddress, error) {
	return "", ErrNoPeerReachable
}

func (n *NoopTransport) Send(_ context.Context, _ PeerAddress, _ []byte) error {
	return ErrNoPeerReachable
}

func (n *NoopTransport) OnMessage(func(PeerAddress, []byte))  {}
func (n *NoopTransport) OnPeerConnected(func(PeerAddress))    {}
func (n *NoopTransport) OnPeerDisconnected(func(PeerAddress)) {}
