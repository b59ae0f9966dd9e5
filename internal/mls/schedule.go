package mls

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const secretSize = 32

const (
	labelEpoch       = "mlsnet epoch"
	labelHandshake   = "mlsnet handshake"
	labelApplication = "mlsnet application"
	labelWelcome     = "mlsnet welcome"
)

func randomSecret() ([]byte, error) {
	b := make([]byte, secretSize)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func expand(prk []byte, label string, context []byte) []byte {
	info := append([]byte(label), context...)
	out := make([]byte, secretSize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		panic(err) // only fails past 255*HashLen bytes
	}
	return out
}

func epochContext(groupID []byte, epoch uint64) []byte {
	ctx := make([]byte, 0, len(groupID)+8)
	ctx = append(ctx, groupID...)
	return binary.BigEndian.AppendUint64(ctx, epoch)
}

// nextEpochSecret folds a commit secret into the chain for the epoch that
// follows.
func nextEpochSecret(prev, commitSecret, groupID []byte, next uint64) []byte {
	prk := hkdf.Extract(sha256.New, commitSecret, prev)
	return expand(prk, labelEpoch, epochContext(groupID, next))
}

func handshakeKey(epochSecret []byte) []byte   { return expand(epochSecret, labelHandshake, nil) }
func applicationKey(epochSecret []byte) []byte { return expand(epochSecret, labelApplication, nil) }

func welcomeKey(sharedSecret, kpRef []byte) []byte {
	prk := hkdf.Extract(sha256.New, sharedSecret, nil)
	return expand(prk, labelWelcome, kpRef)
}

func seal(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

func open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, errors.New("bad nonce size")
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}
