package node

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zmlAEQ/mlsnet/internal/p2p"
	"github.com/zmlAEQ/mlsnet/internal/p2p/wire"
	"github.com/zmlAEQ/mlsnet/pkg/metrics"
)

func TestRouter_MalformedDropped(t *testing.T) {
	net := p2p.NewMemNetwork()
	a, _ := pair(t, net)
	metrics.Reset()
	before := a.Status()

	for _, raw := range [][]byte{
		nil,
		[]byte("not json"),
		[]byte(`{"kind":"bogus","epoch":1,"payload":"AA=="}`),
		[]byte(`{"kind":"commit","epoch":1}`),
	} {
		a.router.OnInbound(context.Background(), "pB", raw)
	}
	after := a.Status()
	if after.Epoch != before.Epoch || after.State != before.State {
		t.Fatalf("malformed input changed state: %+v", after)
	}
	want := `router_envelopes_total{kind="unknown",result="malformed"} 4`
	if !strings.Contains(metrics.DumpProm(), want) {
		t.Fatalf("missing %s in\n%s", want, metrics.DumpProm())
	}
}

func TestRouter_MalformedOverTransport(t *testing.T) {
	net := p2p.NewMemNetwork()
	a, b := pair(t, net)
	raw := net.Transport("pJunk")
	_ = raw.Start(context.Background())
	if err := raw.Send(context.Background(), "pA", []byte("\x00\x01garbage")); err != nil {
		t.Fatalf("send: %v", err)
	}
	// the node keeps serving after dropping the junk
	if _, err := b.Send(context.Background(), []byte("still here")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if m := recv(t, a); string(m.Data) != "still here" {
		t.Fatalf("got %q", m.Data)
	}
}

func TestRouter_ReplaySurfacedOnce(t *testing.T) {
	net := p2p.NewMemNetwork()
	a, b := pair(t, net)
	raw := encryptNow(t, b, "once")
	a.router.OnInbound(context.Background(), "pB", raw)
	a.router.OnInbound(context.Background(), "pB", raw)
	if m := recv(t, a); string(m.Data) != "once" {
		t.Fatalf("got %q", m.Data)
	}
	noMessage(t, a)
}

func TestRouter_WrongEpochDiscarded(t *testing.T) {
	net := p2p.NewMemNetwork()
	a, b := pair(t, net)
	old := encryptNow(t, b, "epoch one")

	c := newTestNode(t, net, "pC", Config{})
	join(t, c, "pA")
	eventually(t, "b at epoch 2", epochIs(b, 2))

	metrics.Reset()
	a.router.OnInbound(context.Background(), "pB", old)
	noMessage(t, a)
	if v, _ := metrics.Value("router_envelopes_total", map[string]string{"kind": "application", "result": "decrypt_failed"}); v != 1 {
		t.Fatalf("decrypt_failed=%v", v)
	}

	// current-epoch traffic still flows to both other members
	if _, err := b.Send(context.Background(), []byte("epoch two")); err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, n := range []*Node{a, c} {
		if m := recv(t, n); string(m.Data) != "epoch two" || m.Epoch != 2 {
			t.Fatalf("got %+v", m)
		}
	}
}

func TestRouter_ApplicationBeforeMembershipDropped(t *testing.T) {
	net := p2p.NewMemNetwork()
	_, b := pair(t, net)
	outsider := newTestNode(t, net, "pO", Config{})
	outsider.router.OnInbound(context.Background(), "pB", encryptNow(t, b, "secret"))
	noMessage(t, outsider)
}

func TestRouter_UnicastReportsUnreachable(t *testing.T) {
	net := p2p.NewMemNetwork()
	a, _ := pair(t, net)
	ds, err := a.router.Send(context.Background(), wire.KeyPackage{Payload: []byte("x")}, Unicast("pNowhere"))
	if err != nil || len(ds) != 1 || ds[0].Err == nil {
		t.Fatalf("deliveries=%+v err=%v", ds, err)
	}
	if Broadcast.String() != "broadcast" || Unicast("p").String() != "unicast" {
		t.Fatalf("scope names")
	}
}

func TestRouter_BroadcastPartialFailurePerPeer(t *testing.T) {
	net := p2p.NewMemNetwork()
	a, b := pair(t, net)
	c := newTestNode(t, net, "pC", Config{})
	join(t, c, "pA")
	eventually(t, "b learns c", func() bool {
		if b.Status().Epoch != 2 {
			return false
		}
		for _, e := range b.Status().Directory {
			if e.Member == c.Self() {
				return e.Peer == "pC"
			}
		}
		return false
	})

	// no disconnect event, so pC stays a destination
	if err := c.transport.Stop(context.Background()); err != nil {
		t.Fatalf("stop c: %v", err)
	}
	ds, err := b.Send(context.Background(), []byte("partial"))
	if err != nil {
		t.Fatalf("broadcast must not fail as a whole: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("deliveries=%+v", ds)
	}
	for _, d := range ds {
		switch d.Peer {
		case "pA":
			if d.Err != nil {
				t.Fatalf("pA: %v", d.Err)
			}
		case "pC":
			if !errors.Is(d.Err, p2p.ErrNoPeerReachable) {
				t.Fatalf("pC: want ErrNoPeerReachable, got %v", d.Err)
			}
		default:
			t.Fatalf("unexpected destination %s", d.Peer)
		}
	}
	if m := recv(t, a); string(m.Data) != "partial" || m.Sender != b.Self() {
		t.Fatalf("a got %+v", m)
	}
}
