package bus

import (
	"context"

	"github.com/zmlAEQ/mlsnet/pkg/metrics"
)

type Kind string

const (
	// KindInbound carries raw envelope bytes delivered by the transport.
	KindInbound Kind = "inbound"
	// KindPeerConnected and KindPeerDisconnected mirror transport
	// connectivity changes for the peer in Event.From.
	KindPeerConnected    Kind = "peer_connected"
	KindPeerDisconnected Kind = "peer_disconnected"
)

type Event struct {
	Kind    Kind
	From    string
	Body    []byte
	TraceID string
}

type Subscriber <-chan Event

// Bus is a bounded single-queue fan-in. Publishers never block.
type Bus struct {
	pub chan Event
}

func New(size int) *Bus {
	if size <= 0 {
		size = 128
	}
	return &Bus{pub: make(chan Event, size)}
}

// Publish enqueues ev, dropping it when the queue is full. It reports whether
// the event was accepted.
func (b *Bus) Publish(_ context.Context, ev Event) bool {
	select {
	case b.pub <- ev:
		return true
	default:
		metrics.Inc("bus_dropped_total", map[string]string{"kind": string(ev.Kind)})
		return false
	}
}

func (b *Bus) Subscribe() Subscriber { return b.pub }
