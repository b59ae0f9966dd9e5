package node

import (
	"context"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zmlAEQ/mlsnet/internal/p2p"
	"github.com/zmlAEQ/mlsnet/internal/p2p/wire"
	"github.com/zmlAEQ/mlsnet/pkg/logger"
	"github.com/zmlAEQ/mlsnet/pkg/metrics"
)

// presenceTable remembers the latest announcement per peer. It is advisory
// and never consulted for routing.
type presenceTable struct {
	cache *lru.Cache[string, wire.Presence]
}

func newPresenceTable(size int) (*presenceTable, error) {
	c, err := lru.New[string, wire.Presence](size)
	if err != nil {
		return nil, err
	}
	return &presenceTable{cache: c}, nil
}

func (t *presenceTable) observe(p wire.Presence) {
	if p.Peer == "" {
		return
	}
	if old, ok := t.cache.Peek(p.Peer); ok && old.At > p.At {
		return
	}
	t.cache.Add(p.Peer, p)
	metrics.SetGauge("presence_peers", nil, float64(t.cache.Len()))
}

func (t *presenceTable) list() []wire.Presence {
	out := t.cache.Values()
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Peers lists the nodes heard from over presence gossip, including ones that
// are not group members.
func (n *Node) Peers() []wire.Presence { return n.presence.list() }

func (n *Node) announceSoon() {
	select {
	case n.poke <- struct{}{}:
	default:
	}
}

func (n *Node) presenceOf() wire.Presence {
	s := n.Status()
	return wire.Presence{
		Peer:    string(s.Peer),
		State:   string(s.State),
		Epoch:   s.Epoch,
		Members: s.Members,
		Group:   string(s.Group),
		At:      time.Now().UnixMilli(),
	}
}

func (n *Node) announceLoop(ctx context.Context, pt p2p.PresenceTransport) {
	t := time.NewTicker(n.cfg.PresenceInterval)
	defer t.Stop()
	announce := func() {
		if err := pt.PublishPresence(ctx, n.presenceOf()); err != nil && ctx.Err() == nil {
			logger.WarnJ("presence", map[string]any{"op": "publish", "result": "error", "err": err.Error()})
		}
	}
	announce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			announce()
		case <-n.poke:
			announce()
		}
	}
}
