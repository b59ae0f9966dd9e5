package directory

import (
	"testing"

	"github.com/zmlAEQ/mlsnet/internal/mls"
	"github.com/zmlAEQ/mlsnet/internal/p2p"
)

func TestDirectory_BindResolve(t *testing.T) {
	d := New("self")
	d.Bind("self", "pA")
	d.Bind("b", "pB")
	if p, ok := d.Resolve("b"); !ok || p != "pB" {
		t.Fatalf("resolve b: %q %v", p, ok)
	}
	dst := d.Destinations()
	if len(dst) != 1 || dst[0] != "pB" {
		t.Fatalf("destinations must exclude self: %v", dst)
	}
}

func TestDirectory_RebindMovesAddress(t *testing.T) {
	d := New("self")
	d.Bind("b", "p1")
	d.Bind("b", "p2")
	if dst := d.Destinations(); len(dst) != 1 || dst[0] != "p2" {
		t.Fatalf("old address must be released: %v", dst)
	}
	d.Bind("c", "p2")
	if _, ok := d.Resolve("b"); ok {
		t.Fatalf("b must be unresolved after c took its address")
	}
	if d.Len() != 2 {
		t.Fatalf("len=%d", d.Len())
	}
}

func TestDirectory_UnresolvedExcluded(t *testing.T) {
	d := New("self")
	d.Add("b")
	d.Add("c")
	d.Bind("c", "pC")
	d.Add("c")
	if d.Len() != 2 {
		t.Fatalf("len=%d", d.Len())
	}
	if dst := d.Destinations(); len(dst) != 1 || dst[0] != "pC" {
		t.Fatalf("destinations=%v", dst)
	}
	if p, _ := d.Resolve("c"); p != "pC" {
		t.Fatalf("Add must not clear a binding")
	}
}

func TestDirectory_Reconcile(t *testing.T) {
	d := New("self")
	d.Bind("self", "pS")
	d.Bind("b", "pB")
	d.Bind("gone", "pG")
	added, removed := d.Reconcile([]mls.MemberID{"self", "b", "c"})
	if len(added) != 1 || added[0] != "c" {
		t.Fatalf("added=%v", added)
	}
	if len(removed) != 1 || removed[0] != "gone" {
		t.Fatalf("removed=%v", removed)
	}
	if dst := d.Destinations(); len(dst) != 1 || dst[0] != "pB" {
		t.Fatalf("removed member address must be released: %v", dst)
	}
	if d.Len() != 3 {
		t.Fatalf("len=%d", d.Len())
	}
}

func TestDirectory_DisconnectNeverStale(t *testing.T) {
	d := New("self")
	d.Bind("b", "pB")
	if m, ok := d.Disconnected("pB"); !ok || m != "b" {
		t.Fatalf("disconnect: %q %v", m, ok)
	}
	if _, ok := d.Resolve("b"); ok {
		t.Fatalf("address must not survive a disconnect")
	}
	if len(d.Destinations()) != 0 {
		t.Fatalf("disconnected peer still a destination")
	}
	if _, ok := d.Disconnected("pB"); ok {
		t.Fatalf("second disconnect must be a no-op")
	}
	if m, ok := d.Connected("pB"); !ok || m != "b" {
		t.Fatalf("reconnect must rebind: %q %v", m, ok)
	}
	if p, _ := d.Resolve("b"); p != "pB" {
		t.Fatalf("resolve after reconnect: %q", p)
	}
}

func TestDirectory_ConnectedAfterRebindIgnored(t *testing.T) {
	d := New("self")
	d.Bind("b", "pB")
	d.Disconnected("pB")
	d.Bind("b", "pB2")
	if _, ok := d.Connected("pB"); ok {
		t.Fatalf("stale reconnect must not override newer binding")
	}
	if p, _ := d.Resolve("b"); p != p2p.PeerAddress("pB2") {
		t.Fatalf("resolve=%q", p)
	}
}

func TestDirectory_Entries(t *testing.T) {
	d := New("self")
	d.Add("z")
	d.Bind("a", "pA")
	es := d.Entries()
	if len(es) != 2 || es[0].Member != "a" || !es[0].Resolved() || es[1].Resolved() {
		t.Fatalf("entries=%+v", es)
	}
	d.Clear()
	if d.Len() != 0 {
		t.Fatalf("clear")
	}
}
