package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInc_RendersCounterWithLabels(t *testing.T) {
	Reset()
	Inc("router_envelopes_total", map[string]string{"kind": "commit", "result": "ok"})
	Inc("router_envelopes_total", map[string]string{"kind": "commit", "result": "ok"})
	dump := DumpProm()
	if !strings.Contains(dump, `router_envelopes_total{kind="commit",result="ok"} 2`) {
		t.Fatalf("missing counter: %s", dump)
	}
}

func TestGauges_SetAndAdd(t *testing.T) {
	Reset()
	SetGauge("epoch_current", nil, 4)
	AddGauge("directory_entries", nil, 2)
	AddGauge("directory_entries", nil, -1)
	dump := DumpProm()
	if !strings.Contains(dump, "epoch_current 4") {
		t.Fatalf("missing epoch gauge: %s", dump)
	}
	if !strings.Contains(dump, "directory_entries 1") {
		t.Fatalf("missing directory gauge: %s", dump)
	}
}

func TestObserveSummary_CountsObservations(t *testing.T) {
	Reset()
	ObserveSummary("handshake_op_ms", map[string]string{"op": "admit"}, 3)
	ObserveSummary("handshake_op_ms", map[string]string{"op": "admit"}, 5)
	if !strings.Contains(DumpProm(), `handshake_op_ms_count{op="admit"} 2`) {
		t.Fatalf("missing summary count: %s", DumpProm())
	}
}

func TestMismatchedLabels_Ignored(t *testing.T) {
	Reset()
	Inc("p2p_msgs_total", map[string]string{"direction": "tx"})
	Inc("p2p_msgs_total", map[string]string{"other": "x"})
	if !strings.Contains(DumpProm(), `p2p_msgs_total{direction="tx"} 1`) {
		t.Fatalf("first label set should survive: %s", DumpProm())
	}
}

func TestHandler_ServesExposition(t *testing.T) {
	Reset()
	Inc("bus_dropped_total", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "bus_dropped_total 1") {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestValue_ReadsSamples(t *testing.T) {
	Reset()
	Inc("handshake_ops_total", map[string]string{"op": "admit", "result": "ok"})
	SetGauge("epoch_current", nil, 7)
	ObserveSummary("handshake_op_ms", map[string]string{"op": "admit"}, 3)
	if v, ok := Value("handshake_ops_total", map[string]string{"op": "admit", "result": "ok"}); !ok || v != 1 {
		t.Fatalf("counter=%v ok=%v", v, ok)
	}
	if v, ok := Value("epoch_current", nil); !ok || v != 7 {
		t.Fatalf("gauge=%v ok=%v", v, ok)
	}
	if v, ok := Value("handshake_op_ms", map[string]string{"op": "admit"}); !ok || v != 1 {
		t.Fatalf("summary count=%v ok=%v", v, ok)
	}
	if _, ok := Value("handshake_ops_total", map[string]string{"op": "admit"}); ok {
		t.Fatalf("partial label match must not count")
	}
}
