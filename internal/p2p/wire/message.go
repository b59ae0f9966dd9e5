package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolEnvelope is the libp2p stream protocol carrying one varint-framed
// envelope per stream.
const ProtocolEnvelope = "/mlsnet/envelope/1.0.0"

// MaxEnvelopeSize bounds a single framed envelope on the wire.
const MaxEnvelopeSize = 1 << 20

// ErrMalformedEnvelope is returned for inbound bytes that do not decode into a
// known message kind.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Kind tags the payload carried by an envelope.
type Kind string

const (
	KindKeyPackage  Kind = "key_package"
	KindCommit      Kind = "commit"
	KindWelcome     Kind = "welcome"
	KindApplication Kind = "application"
)

// Envelope is the JSON wire form. Payload is opaque group-engine output and
// is base64 encoded by encoding/json.
type Envelope struct {
	Kind     Kind     `json:"kind"`
	Epoch    uint64   `json:"epoch"`
	Payload  []byte   `json:"payload"`
	Admitted *Binding `json:"admitted,omitempty"`
}

// Binding is an address hint attached to commits: the member that the commit
// admits and the peer it was admitted from.
type Binding struct {
	Member string `json:"member"`
	Peer   string `json:"peer"`
}

// Message is the closed set of envelope contents. Only the four types in this
// file implement it.
type Message interface {
	Kind() Kind
	envelope() Envelope
}

// KeyPackage requests admission. It carries no epoch since the sender has no
// group state yet.
type KeyPackage struct {
	Payload []byte
}

// Commit advances the group from Epoch to Epoch+1.
type Commit struct {
	Epoch    uint64
	Payload  []byte
	Admitted *Binding
}

// Welcome lets a new member materialise the group at Epoch.
type Welcome struct {
	Epoch   uint64
	Payload []byte
}

// Application is ciphertext encrypted under Epoch.
type Application struct {
	Epoch   uint64
	Payload []byte
}

func (KeyPackage) Kind() Kind  { return KindKeyPackage }
func (Commit) Kind() Kind      { return KindCommit }
func (Welcome) Kind() Kind     { return KindWelcome }
func (Application) Kind() Kind { return KindApplication }

func (m KeyPackage) envelope() Envelope {
	return Envelope{Kind: KindKeyPackage, Payload: m.Payload}
}

func (m Commit) envelope() Envelope {
	return Envelope{Kind: KindCommit, Epoch: m.Epoch, Payload: m.Payload, Admitted: m.Admitted}
}

func (m Welcome) envelope() Envelope {
	return Envelope{Kind: KindWelcome, Epoch: m.Epoch, Payload: m.Payload}
}

func (m Application) envelope() Envelope {
	return Envelope{Kind: KindApplication, Epoch: m.Epoch, Payload: m.Payload}
}

// Encode serialises m into its envelope form.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil message")
	}
	return json.Marshal(m.envelope())
}

// Decode parses raw bytes into one of the Message types. Any failure wraps
// ErrMalformedEnvelope.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 || len(b) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: size %d", ErrMalformedEnvelope, len(b))
	}
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(e.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedEnvelope)
	}
	switch e.Kind {
	case KindKeyPackage:
		return KeyPackage{Payload: e.Payload}, nil
	case KindCommit:
		if e.Admitted != nil && (e.Admitted.Member == "" || e.Admitted.Peer == "") {
			return nil, fmt.Errorf("%w: incomplete admitted binding", ErrMalformedEnvelope)
		}
		return Commit{Epoch: e.Epoch, Payload: e.Payload, Admitted: e.Admitted}, nil
	case KindWelcome:
		return Welcome{Epoch: e.Epoch, Payload: e.Payload}, nil
	case KindApplication:
		return Application{Epoch: e.Epoch, Payload: e.Payload}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedEnvelope, e.Kind)
	}
}
