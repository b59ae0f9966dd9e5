package wire

import (
	"errors"
	"testing"
)

func TestEncodeDecode_PreservesKindAndEpoch(t *testing.T) {
	msgs := []Message{
		KeyPackage{Payload: []byte("kp")},
		Commit{Epoch: 3, Payload: []byte("c"), Admitted: &Binding{Member: "m", Peer: "p"}},
		Welcome{Epoch: 4, Payload: []byte("w")},
		Application{Epoch: 4, Payload: []byte("a")},
	}
	for _, m := range msgs {
		b, err := Encode(m)
		if err != nil {
			t.Fatalf("encode %s: %v", m.Kind(), err)
		}
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("decode %s: %v", m.Kind(), err)
		}
		if got.Kind() != m.Kind() || got.envelope().Epoch != m.envelope().Epoch {
			t.Fatalf("got %s/%d want %s/%d", got.Kind(), got.envelope().Epoch, m.Kind(), m.envelope().Epoch)
		}
	}
	got, _ := Decode(mustEncode(t, Commit{Epoch: 1, Payload: []byte("c"), Admitted: &Binding{Member: "m", Peer: "p"}}))
	if c := got.(Commit); c.Admitted == nil || c.Admitted.Peer != "p" {
		t.Fatalf("admitted hint lost: %+v", c)
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":        nil,
		"not json":     []byte("{nope"),
		"unknown kind": []byte(`{"kind":"remove","epoch":1,"payload":"eA=="}`),
		"no payload":   []byte(`{"kind":"commit","epoch":1}`),
		"half binding": []byte(`{"kind":"commit","epoch":1,"payload":"eA==","admitted":{"member":"m"}}`),
		"oversize":     make([]byte, MaxEnvelopeSize+1),
	}
	for name, b := range cases {
		if _, err := Decode(b); !errors.Is(err, ErrMalformedEnvelope) {
			t.Fatalf("%s: want ErrMalformedEnvelope, got %v", name, err)
		}
	}
}

func mustEncode(t *testing.T, m Message) []byte {
	t.Helper()
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}
