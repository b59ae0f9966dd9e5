package node

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zmlAEQ/mlsnet/internal/mls"
	"github.com/zmlAEQ/mlsnet/internal/p2p"
	"github.com/zmlAEQ/mlsnet/internal/p2p/wire"
	"github.com/zmlAEQ/mlsnet/internal/session"
)

func newEngine(t *testing.T, name string) *mls.Engine {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return mls.NewEngine([]byte(name), priv)
}

func newTestNode(t *testing.T, net *p2p.MemNetwork, addr string, cfg Config) *Node {
	t.Helper()
	tr := net.Transport(p2p.PeerAddress(addr))
	n, err := New(cfg, tr, newEngine(t, addr))
	if err != nil {
		t.Fatalf("new node %s: %v", addr, err)
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("transport start: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("node start: %v", err)
	}
	t.Cleanup(func() {
		_ = n.Stop(context.Background())
		_ = tr.Stop(context.Background())
	})
	return n
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func epochIs(n *Node, want uint64) func() bool {
	return func() bool { return n.Status().Epoch == want }
}

func join(t *testing.T, n *Node, target string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.Join(ctx, target); err != nil {
		t.Fatalf("join %s: %v", target, err)
	}
}

func recv(t *testing.T, n *Node) Message {
	t.Helper()
	select {
	case m := <-n.Messages():
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("no message at %s", n.Status().Peer)
	}
	return Message{}
}

func noMessage(t *testing.T, n *Node) {
	t.Helper()
	select {
	case m := <-n.Messages():
		t.Fatalf("unexpected message %q", m.Data)
	case <-time.After(30 * time.Millisecond):
	}
}

// encryptNow seals data at n's current epoch and returns the wire envelope.
func encryptNow(t *testing.T, n *Node, data string) []byte {
	t.Helper()
	var raw []byte
	err := n.sync.Do(func(g *groupState) error {
		ct, err := g.engine.Encrypt([]byte(data))
		if err != nil {
			return err
		}
		ep, _ := g.engine.Epoch()
		raw, err = wire.Encode(wire.Application{Epoch: ep, Payload: ct})
		return err
	})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return raw
}

func TestNode_CreateJoinSendHi(t *testing.T) {
	net := p2p.NewMemNetwork()
	a := newTestNode(t, net, "pA", Config{})
	b := newTestNode(t, net, "pB", Config{})

	if _, err := a.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	if st := a.Status(); st.State != session.Founder || st.Epoch != 0 || len(st.Directory) != 1 {
		t.Fatalf("after create: %+v", st)
	}
	join(t, b, "pA")

	sb := b.Status()
	if sb.State != session.Member || sb.Epoch != 1 || sb.PendingJoin != "" {
		t.Fatalf("joiner status: %+v", sb)
	}
	eventually(t, "founder becomes member", func() bool { return a.Status().State == session.Member })
	sa := a.Status()
	if sa.Epoch != 1 || sa.Group != sb.Group || len(sa.Directory) != 2 || len(sb.Directory) != 2 {
		t.Fatalf("founder=%+v joiner=%+v", sa, sb)
	}

	ds, err := b.Send(context.Background(), []byte("hi"))
	if err != nil || len(ds) != 1 || ds[0].Peer != "pA" || ds[0].Err != nil {
		t.Fatalf("send: %v %+v", err, ds)
	}
	m := recv(t, a)
	if string(m.Data) != "hi" || m.Sender != b.Self() || m.Peer != "pB" || m.Epoch != 1 {
		t.Fatalf("received %+v", m)
	}
}

func TestNode_NAdmissions(t *testing.T) {
	net := p2p.NewMemNetwork()
	a := newTestNode(t, net, "pA", Config{})
	if _, err := a.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	addrs := []string{"pB", "pC", "pD", "pE"}
	nodes := []*Node{a}
	for _, addr := range addrs {
		n := newTestNode(t, net, addr, Config{})
		join(t, n, "pA")
		nodes = append(nodes, n)
	}
	N := uint64(len(addrs))
	for _, n := range nodes {
		eventually(t, "epoch convergence", epochIs(n, N))
		eventually(t, "directory convergence", func() bool { return len(n.Status().Directory) == len(addrs)+1 })
	}

	// B learned every later joiner's address from commit hints.
	if _, err := nodes[1].Send(context.Background(), []byte("all")); err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, n := range append([]*Node{a}, nodes[2:]...) {
		if m := recv(t, n); string(m.Data) != "all" {
			t.Fatalf("got %q", m.Data)
		}
	}
}

func TestNode_JoinUnreachable(t *testing.T) {
	net := p2p.NewMemNetwork()
	b := newTestNode(t, net, "pB", Config{})
	err := b.Join(context.Background(), "pNowhere")
	if !errors.Is(err, p2p.ErrNoPeerReachable) {
		t.Fatalf("want ErrNoPeerReachable, got %v", err)
	}
	if st := b.Status(); st.State != session.Uninitialized || st.PendingJoin != "" {
		t.Fatalf("status after unreachable join: %+v", st)
	}
	// the node can still found a group afterwards
	if _, err := b.Create(); err != nil {
		t.Fatalf("create after failed join: %v", err)
	}
}

func TestNode_JoinTimeout(t *testing.T) {
	net := p2p.NewMemNetwork()
	silent := net.Transport("pA")
	_ = silent.Start(context.Background())
	b := newTestNode(t, net, "pB", Config{JoinTimeout: 50 * time.Millisecond})

	err := b.Join(context.Background(), "pA")
	if !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("want ErrJoinTimeout, got %v", err)
	}
	st := b.Status()
	if st.State != session.Uninitialized || st.Group != "" || st.PendingJoin != "" || len(st.Directory) != 0 {
		t.Fatalf("residual state after timeout: %+v", st)
	}
}

func TestNode_JoinCancelled(t *testing.T) {
	net := p2p.NewMemNetwork()
	silent := net.Transport("pA")
	_ = silent.Start(context.Background())
	b := newTestNode(t, net, "pB", Config{JoinTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- b.Join(ctx, "pA") }()
	eventually(t, "awaiting welcome", func() bool { return b.Status().State == session.AwaitingWelcome })
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if st := b.Status(); st.State != session.Uninitialized {
		t.Fatalf("state=%s", st.State)
	}
}

func TestNode_InvalidStates(t *testing.T) {
	net := p2p.NewMemNetwork()
	a := newTestNode(t, net, "pA", Config{})
	b := newTestNode(t, net, "pB", Config{})

	if _, err := a.Send(context.Background(), []byte("x")); !errors.Is(err, session.ErrNotInGroup) {
		t.Fatalf("send before group: %v", err)
	}
	if err := a.Leave(); !errors.Is(err, session.ErrNotInGroup) {
		t.Fatalf("leave before group: %v", err)
	}
	_, _ = a.Create()
	if _, err := a.Create(); !errors.Is(err, session.ErrAlreadyInGroup) {
		t.Fatalf("second create: %v", err)
	}
	if err := a.Join(context.Background(), "pB"); !errors.Is(err, session.ErrAlreadyInGroup) {
		t.Fatalf("join while founder: %v", err)
	}
	// a founder alone has nobody to talk to
	if _, err := a.Send(context.Background(), []byte("x")); !errors.Is(err, session.ErrNotInGroup) {
		t.Fatalf("founder send: %v", err)
	}
	if st := b.Status(); st.State != session.Uninitialized {
		t.Fatalf("b touched: %s", st.State)
	}
}

func TestNode_LeaveIsTerminal(t *testing.T) {
	net := p2p.NewMemNetwork()
	a := newTestNode(t, net, "pA", Config{})
	_, _ = a.Create()
	if err := a.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	st := a.Status()
	if st.State != session.Left || st.Group != "" || len(st.Directory) != 0 {
		t.Fatalf("after leave: %+v", st)
	}
	if _, err := a.Create(); !errors.Is(err, session.ErrAlreadyInGroup) {
		t.Fatalf("create after leave: %v", err)
	}
	if err := a.Join(context.Background(), "pB"); !errors.Is(err, session.ErrAlreadyInGroup) {
		t.Fatalf("join after leave: %v", err)
	}
	if st := a.Status(); st.State != session.Left {
		t.Fatalf("rejected create moved state: %s", st.State)
	}
}

func TestNode_DisconnectUnbinds(t *testing.T) {
	net := p2p.NewMemNetwork()
	a := newTestNode(t, net, "pA", Config{})
	b := newTestNode(t, net, "pB", Config{})
	_, _ = a.Create()
	join(t, b, "pA")
	eventually(t, "admission", epochIs(a, 1))

	net.SetReachable("pB", false)
	eventually(t, "unbind on disconnect", func() bool {
		ds, err := a.Send(context.Background(), []byte("x"))
		return err == nil && len(ds) == 0
	})
	net.SetReachable("pB", true)
	eventually(t, "rebind on reconnect", func() bool {
		for _, e := range a.Status().Directory {
			if e.Member == b.Self() {
				return e.Peer == "pB"
			}
		}
		return false
	})
}

func TestNode_Presence(t *testing.T) {
	net := p2p.NewMemNetwork()
	a := newTestNode(t, net, "pA", Config{PresenceInterval: 20 * time.Millisecond})
	b := newTestNode(t, net, "pB", Config{PresenceInterval: 20 * time.Millisecond})
	_, _ = a.Create()
	eventually(t, "presence", func() bool {
		for _, p := range b.Peers() {
			if p.Peer == "pA" && p.HostsGroup() {
				return true
			}
		}
		return false
	})
	if !strings.HasPrefix(a.Name(), "mls-") {
		t.Fatalf("name=%s", a.Name())
	}
}
