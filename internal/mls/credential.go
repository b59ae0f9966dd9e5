package mls

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Ciphersuite identifies the algorithms a key package commits to.
type Ciphersuite uint16

// SuiteX25519ChaCha20Ed25519 is MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519,
// the only suite this engine speaks.
const SuiteX25519ChaCha20Ed25519 Ciphersuite = 0x0003

// MemberID is the protocol identity of a member, derived from its credential.
type MemberID string

// Short returns a display form of the id.
func (m MemberID) Short() string {
	if len(m) <= 8 {
		return string(m)
	}
	return string(m[:8])
}

// GroupHandle identifies the local group instance.
type GroupHandle string

// Credential binds an application identity to a signature key. Nodes use
// their network peer ID as the identity.
type Credential struct {
	Identity     []byte `json:"identity"`
	SignatureKey []byte `json:"signature_key"`
}

// MemberID is the hex form of the first 16 bytes of SHA-256(signature key).
func (c Credential) MemberID() MemberID {
	sum := sha256.Sum256(c.SignatureKey)
	return MemberID(hex.EncodeToString(sum[:16]))
}

// Member is one entry of the group roster.
type Member struct {
	ID         MemberID   `json:"id"`
	Credential Credential `json:"credential"`
}

// KeyPackage is what a prospective member publishes to request admission.
type KeyPackage struct {
	Suite      Ciphersuite `json:"suite"`
	InitKey    []byte      `json:"init_key"`
	Credential Credential  `json:"credential"`
	Signature  []byte      `json:"signature,omitempty"`
}

func (kp KeyPackage) tbs() []byte {
	kp.Signature = nil
	b, _ := json.Marshal(kp)
	return b
}

// Ref is the digest a welcome uses to name the key package it answers.
func (kp KeyPackage) Ref() []byte {
	b, _ := json.Marshal(kp)
	sum := sha256.Sum256(b)
	return sum[:]
}

func (kp KeyPackage) validate() error {
	if kp.Suite != SuiteX25519ChaCha20Ed25519 {
		return fmt.Errorf("%w: unsupported ciphersuite 0x%04x", ErrAdmissionRejected, uint16(kp.Suite))
	}
	if len(kp.InitKey) != 32 {
		return fmt.Errorf("%w: init key size %d", ErrAdmissionRejected, len(kp.InitKey))
	}
	if len(kp.Credential.SignatureKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: signature key size %d", ErrAdmissionRejected, len(kp.Credential.SignatureKey))
	}
	if !ed25519.Verify(kp.Credential.SignatureKey, kp.tbs(), kp.Signature) {
		return fmt.Errorf("%w: bad key package signature", ErrAdmissionRejected)
	}
	return nil
}

// DecodeKeyPackage parses and validates key package bytes.
func DecodeKeyPackage(b []byte) (KeyPackage, error) {
	var kp KeyPackage
	if err := json.Unmarshal(b, &kp); err != nil {
		return KeyPackage{}, fmt.Errorf("%w: %v", ErrAdmissionRejected, err)
	}
	if err := kp.validate(); err != nil {
		return KeyPackage{}, err
	}
	return kp, nil
}
