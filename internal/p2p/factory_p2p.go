package p2p

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	p2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	peer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/zmlAEQ/mlsnet/internal/p2p/wire"
	"github.com/zmlAEQ/mlsnet/pkg/logger"
	"github.com/zmlAEQ/mlsnet/pkg/metrics"
)

// NewIdentity generates a node identity. The same Ed25519 key backs the
// libp2p peer ID and the group credential's signature key.
func NewIdentity() (crypto.PrivKey, ed25519.PrivateKey, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("unexpected ed25519 key size %d", len(raw))
	}
	return priv, ed25519.PrivateKey(raw), nil
}

// AddressOf returns the PeerAddress a transport started with priv will have.
func AddressOf(priv crypto.PrivKey) (PeerAddress, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", err
	}
	return PeerAddress(id.String()), nil
}

// BuildTransport constructs an unstarted libp2p transport.
func BuildTransport(cfg NetConfig) (*Libp2pTransport, error) {
	cfg = cfg.withDefaults()
	if cfg.Identity == nil {
		priv, _, err := NewIdentity()
		if err != nil {
			return nil, err
		}
		cfg.Identity = priv
	}
	self, err := AddressOf(cfg.Identity)
	if err != nil {
		return nil, err
	}
	return &Libp2pTransport{cfg: cfg, self: self}, nil
}

// Libp2pTransport implements Transport and PresenceTransport. Unicast
// envelopes travel on short-lived streams of wire.ProtocolEnvelope, one
// varint-framed message per stream; presence goes over gossipsub.
type Libp2pTransport struct {
	cfg  NetConfig
	self PeerAddress

	host p2phost.Host
	ps   *pubsub.PubSub
	tp   *pubsub.Topic
	subP *pubsub.Subscription
	md   mdns.Service

	mu         sync.RWMutex
	onMsg      func(PeerAddress, []byte)
	onUp       func(PeerAddress)
	onDown     func(PeerAddress)
	onPresence func(wire.Presence)
}

func (t *Libp2pTransport) Self() PeerAddress { return t.self }

// Addrs returns the full dialable multiaddrs (with /p2p/ suffix) of the host.
func (t *Libp2pTransport) Addrs() []string {
	if t.host == nil {
		return nil
	}
	out := make([]string, 0, len(t.host.Addrs()))
	for _, a := range t.host.Addrs() {
		out = append(out, a.String()+"/p2p/"+t.host.ID().String())
	}
	return out
}

func (t *Libp2pTransport) Start(ctx context.Context) error {
	opts := []libp2p.Option{libp2p.Identity(t.cfg.Identity)}
	var addrs []ma.Multiaddr
	for _, s := range t.cfg.Listen {
		if strings.TrimSpace(s) == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return err
		}
		addrs = append(addrs, a)
	}
	if len(addrs) > 0 {
		opts = append(opts, libp2p.ListenAddrs(addrs...))
	}
	if t.cfg.NAT {
		opts = append(opts, libp2p.NATPortMap())
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return err
	}
	t.host = h
	h.SetStreamHandler(protocol.ID(wire.ProtocolEnvelope), t.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			t.peerUp(c.RemotePeer())
		},
		DisconnectedF: func(n network.Network, c network.Conn) {
			if n.Connectedness(c.RemotePeer()) != network.Connected {
				t.peerDown(c.RemotePeer())
			}
		},
	})

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return err
	}
	t.ps = ps
	if t.tp, err = ps.Join(wire.TopicPresence); err != nil {
		_ = h.Close()
		return err
	}
	if t.subP, err = t.tp.Subscribe(); err != nil {
		_ = h.Close()
		return err
	}

	// connect bootnodes (best effort)
	for _, b := range t.cfg.Bootnodes {
		if strings.TrimSpace(b) == "" {
			continue
		}
		if _, err := connectOnce(ctx, h, b, t.cfg.DialTimeout); err != nil {
			logger.WarnJ("p2p_bootnode", map[string]any{"addr": b, "result": "error", "err": err.Error()})
		}
	}
	if t.cfg.MDNS {
		t.md = mdns.NewMdnsService(h, t.cfg.Rendezvous, &mdnsNotifee{h: h, timeout: t.cfg.DialTimeout})
		if err := t.md.Start(); err != nil {
			logger.WarnJ("p2p_mdns", map[string]any{"result": "error", "err": err.Error()})
			t.md = nil
		}
	}

	for _, a := range t.Addrs() {
		logger.InfoJ("p2p_addr", map[string]any{"self_id": t.self, "addr": a})
	}
	go t.loopPresence(ctx)
	logger.InfoJ("p2p_start", map[string]any{"result": "ok"})
	return nil
}

func (t *Libp2pTransport) Stop(_ context.Context) error {
	if t.md != nil {
		_ = t.md.Close()
	}
	if t.subP != nil {
		t.subP.Cancel()
	}
	if t.tp != nil {
		_ = t.tp.Close()
	}
	if t.host != nil {
		return t.host.Close()
	}
	return nil
}

func (t *Libp2pTransport) OnMessage(fn func(PeerAddress, []byte)) {
	t.mu.Lock()
	t.onMsg = fn
	t.mu.Unlock()
}

func (t *Libp2pTransport) OnPeerConnected(fn func(PeerAddress)) {
	t.mu.Lock()
	t.onUp = fn
	t.mu.Unlock()
}

func (t *Libp2pTransport) OnPeerDisconnected(fn func(PeerAddress)) {
	t.mu.Lock()
	t.onDown = fn
	t.mu.Unlock()
}

func (t *Libp2pTransport) OnPresence(fn func(wire.Presence)) {
	t.mu.Lock()
	t.onPresence = fn
	t.mu.Unlock()
}

func (t *Libp2pTransport) Resolve(ctx context.Context, target string) (PeerAddress, error) {
	if t.host == nil {
		return "", errors.New("p2p not started")
	}
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "/") {
		id, err := connectOnce(ctx, t.host, target, t.cfg.DialTimeout)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrNoPeerReachable, target, err)
		}
		return PeerAddress(id.String()), nil
	}
	id, err := peer.Decode(target)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNoPeerReachable, target, err)
	}
	if t.host.Network().Connectedness(id) == network.Connected {
		return PeerAddress(id.String()), nil
	}
	if len(t.host.Peerstore().Addrs(id)) == 0 {
		return "", fmt.Errorf("%w: %s: no known addresses", ErrNoPeerReachable, target)
	}
	ctx2, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	if err := t.host.Connect(ctx2, peer.AddrInfo{ID: id}); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNoPeerReachable, target, err)
	}
	return PeerAddress(id.String()), nil
}

func (t *Libp2pTransport) Send(ctx context.Context, to PeerAddress, data []byte) error {
	if t.host == nil {
		return errors.New("p2p not started")
	}
	id, err := peer.Decode(string(to))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNoPeerReachable, to, err)
	}
	if id == t.host.ID() {
		return fmt.Errorf("%w: %s is self", ErrNoPeerReachable, to)
	}
	ctx2, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	s, err := t.host.NewStream(ctx2, id, protocol.ID(wire.ProtocolEnvelope))
	if err != nil {
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": wire.ProtocolEnvelope, "direction": "tx", "result": "unreachable"})
		return fmt.Errorf("%w: %s: %v", ErrNoPeerReachable, to, err)
	}
	w := msgio.NewVarintWriter(s)
	if err := w.WriteMsg(data); err != nil {
		_ = s.Reset()
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": wire.ProtocolEnvelope, "direction": "tx", "result": "error"})
		return fmt.Errorf("%w: %s: %v", ErrNoPeerReachable, to, err)
	}
	_ = s.Close()
	metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": wire.ProtocolEnvelope, "direction": "tx", "result": "ok"})
	metrics.Add(MetricP2PBytesTotal, map[string]string{"topic": wire.ProtocolEnvelope, "direction": "tx"}, float64(len(data)))
	return nil
}

func (t *Libp2pTransport) PublishPresence(ctx context.Context, p wire.Presence) error {
	if t.tp == nil {
		return errors.New("p2p not started")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := t.tp.Publish(ctx, b); err != nil {
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": wire.TopicPresence, "direction": "tx", "result": "error"})
		return err
	}
	metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": wire.TopicPresence, "direction": "tx", "result": "ok"})
	return nil
}

func (t *Libp2pTransport) handleStream(s network.Stream) {
	defer s.Close()
	from := PeerAddress(s.Conn().RemotePeer().String())
	r := msgio.NewVarintReaderSize(s, wire.MaxEnvelopeSize)
	for {
		msg, err := r.ReadMsg()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": wire.ProtocolEnvelope, "direction": "rx", "result": "read_error"})
				_ = s.Reset()
			}
			return
		}
		data := append([]byte(nil), msg...)
		r.ReleaseMsg(msg)
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": wire.ProtocolEnvelope, "direction": "rx", "result": "ok"})
		metrics.Add(MetricP2PBytesTotal, map[string]string{"topic": wire.ProtocolEnvelope, "direction": "rx"}, float64(len(data)))
		t.mu.RLock()
		fn := t.onMsg
		t.mu.RUnlock()
		if fn != nil {
			fn(from, data)
		}
	}
}

func (t *Libp2pTransport) loopPresence(ctx context.Context) {
	for {
		m, err := t.subP.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == t.host.ID() {
			continue
		}
		var p wire.Presence
		if err := json.Unmarshal(m.Data, &p); err != nil || p.Peer != m.GetFrom().String() {
			metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": wire.TopicPresence, "direction": "rx", "result": "decode_error"})
			continue
		}
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": wire.TopicPresence, "direction": "rx", "result": "ok"})
		t.mu.RLock()
		fn := t.onPresence
		t.mu.RUnlock()
		if fn != nil {
			fn(p)
		}
	}
}

func (t *Libp2pTransport) peerUp(id peer.ID) {
	metrics.Inc(MetricP2PPeerEvents, map[string]string{"event": "connected"})
	t.mu.RLock()
	fn := t.onUp
	t.mu.RUnlock()
	if fn != nil {
		fn(PeerAddress(id.String()))
	}
}

func (t *Libp2pTransport) peerDown(id peer.ID) {
	metrics.Inc(MetricP2PPeerEvents, map[string]string{"event": "disconnected"})
	t.mu.RLock()
	fn := t.onDown
	t.mu.RUnlock()
	if fn != nil {
		fn(PeerAddress(id.String()))
	}
}

func connectOnce(ctx context.Context, h p2phost.Host, addr string, timeout time.Duration) (peer.ID, error) {
	maAddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", err
	}
	info, err := peer.AddrInfoFromP2pAddr(maAddr)
	if err != nil {
		return "", err
	}
	ctx2, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := h.Connect(ctx2, *info); err != nil {
		return "", err
	}
	return info.ID, nil
}

// mdnsNotifee dials peers found on the local network.
type mdnsNotifee struct {
	h       p2phost.Host
	timeout time.Duration
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		logger.WarnJ("p2p_mdns", map[string]any{"peer": pi.ID.String(), "result": "dial_error", "err": err.Error()})
		return
	}
	logger.InfoJ("p2p_mdns", map[string]any{"peer": pi.ID.String(), "result": "connected"})
}

var (
	_ Transport         = (*Libp2pTransport)(nil)
	_ PresenceTransport = (*Libp2pTransport)(nil)
)
