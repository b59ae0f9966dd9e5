package p2p

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"
)

func startLoopback(t *testing.T) *Libp2pTransport {
	t.Helper()
	tr, err := BuildTransport(NetConfig{Listen: []string{"/ip4/127.0.0.1/tcp/0"}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = tr.Stop(context.Background()) })
	return tr
}

func TestLibp2p_ResolveAndSend(t *testing.T) {
	a, b := startLoopback(t), startLoopback(t)
	got := make(chan string, 1)
	b.OnMessage(func(from PeerAddress, data []byte) {
		if from == a.Self() {
			got <- string(data)
		}
	})
	if len(b.Addrs()) == 0 {
		t.Fatalf("b has no listen addrs")
	}
	to, err := a.Resolve(context.Background(), b.Addrs()[0])
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if to != b.Self() {
		t.Fatalf("resolved %s want %s", to, b.Self())
	}
	if err := a.Send(context.Background(), to, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case m := <-got:
		if m != "hello" {
			t.Fatalf("got %q", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("message not delivered")
	}
}

func TestLibp2p_UnknownPeerUnreachable(t *testing.T) {
	a := startLoopback(t)
	priv, _, err := NewIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	stranger, _ := AddressOf(priv)
	if _, err := a.Resolve(context.Background(), string(stranger)); !errors.Is(err, ErrNoPeerReachable) {
		t.Fatalf("resolve: want ErrNoPeerReachable, got %v", err)
	}
	if err := a.Send(context.Background(), stranger, []byte("x")); !errors.Is(err, ErrNoPeerReachable) {
		t.Fatalf("send: want ErrNoPeerReachable, got %v", err)
	}
	if _, err := a.Resolve(context.Background(), "not-a-peer"); !errors.Is(err, ErrNoPeerReachable) {
		t.Fatalf("garbage: want ErrNoPeerReachable, got %v", err)
	}
}

func TestNewIdentity_SharesKeyWithAddress(t *testing.T) {
	priv, edKey, err := NewIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	pubRaw, err := priv.GetPublic().Raw()
	if err != nil {
		t.Fatalf("pub raw: %v", err)
	}
	if string(pubRaw) != string([]byte(edKey.Public().(ed25519.PublicKey))) {
		t.Fatalf("libp2p and ed25519 public keys differ")
	}
}
