// Package mls implements the group key agreement used by mlsnet nodes: key
// packages, add-only commits, welcomes and epoch-bound application messages.
//
// Engine is not safe for concurrent use; callers serialize access.
package mls

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
)

type group struct {
	id      []byte
	epoch   uint64
	members []Member
	secret  []byte
}

func (g *group) member(id MemberID) (Member, bool) {
	for _, m := range g.members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Engine holds one member's view of at most one group.
type Engine struct {
	cred    Credential
	signer  ed25519.PrivateKey
	group   *group
	pending map[string]*ecdh.PrivateKey
}

// NewEngine builds an engine whose credential carries identity and the
// public half of signer.
func NewEngine(identity []byte, signer ed25519.PrivateKey) *Engine {
	pub := signer.Public().(ed25519.PublicKey)
	return &Engine{
		cred: Credential{
			Identity:     slices.Clone(identity),
			SignatureKey: slices.Clone([]byte(pub)),
		},
		signer:  signer,
		pending: make(map[string]*ecdh.PrivateKey),
	}
}

// Self returns the local member id.
func (e *Engine) Self() MemberID { return e.cred.MemberID() }

// Credential returns the local credential.
func (e *Engine) Credential() Credential { return e.cred }

// Group returns the handle of the current group, if any.
func (e *Engine) Group() (GroupHandle, bool) {
	if e.group == nil {
		return "", false
	}
	return GroupHandle(hex.EncodeToString(e.group.id)), true
}

// Epoch returns the current epoch; false when there is no group.
func (e *Engine) Epoch() (uint64, bool) {
	if e.group == nil {
		return 0, false
	}
	return e.group.epoch, true
}

// Members returns a copy of the roster in admission order.
func (e *Engine) Members() []Member {
	if e.group == nil {
		return nil
	}
	return slices.Clone(e.group.members)
}

// Reset drops the group and every outstanding key package.
func (e *Engine) Reset() {
	e.group = nil
	clear(e.pending)
}

// InitGroup creates a single-member group at epoch 0.
func (e *Engine) InitGroup() (GroupHandle, error) {
	if e.group != nil {
		return "", ErrGroupExists
	}
	id, err := randomSecret()
	if err != nil {
		return "", err
	}
	secret, err := randomSecret()
	if err != nil {
		return "", err
	}
	e.group = &group{
		id:      id[:16],
		members: []Member{{ID: e.Self(), Credential: e.cred}},
		secret:  secret,
	}
	clear(e.pending)
	h, _ := e.Group()
	return h, nil
}

// MakeKeyPackage returns a fresh signed key package. The matching init key
// is kept until a welcome consumes it or Reset is called.
func (e *Engine) MakeKeyPackage() ([]byte, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	kp := KeyPackage{
		Suite:      SuiteX25519ChaCha20Ed25519,
		InitKey:    priv.PublicKey().Bytes(),
		Credential: e.cred,
	}
	kp.Signature = ed25519.Sign(e.signer, kp.tbs())
	e.pending[hex.EncodeToString(kp.Ref())] = priv
	return json.Marshal(kp)
}

// AddResult is a staged admission. Nothing is applied until the commit is
// passed back through ApplyCommit.
type AddResult struct {
	Commit  []byte
	Welcome []byte
	Member  MemberID
	// Epoch is the epoch the commit was staged against.
	Epoch uint64
}

// ProposeAdd stages the admission of the key package's owner against the
// current epoch without changing local state.
func (e *Engine) ProposeAdd(keyPackage []byte) (AddResult, error) {
	g := e.group
	if g == nil {
		return AddResult{}, ErrNoGroup
	}
	kp, err := DecodeKeyPackage(keyPackage)
	if err != nil {
		return AddResult{}, err
	}
	joiner := kp.Credential.MemberID()
	if _, dup := g.member(joiner); dup {
		return AddResult{}, fmt.Errorf("%w: %s already a member", ErrAdmissionRejected, joiner.Short())
	}

	commitSecret, err := randomSecret()
	if err != nil {
		return AddResult{}, err
	}
	nonce, sealed, err := seal(handshakeKey(g.secret), commitSecret, epochContext(g.id, g.epoch))
	if err != nil {
		return AddResult{}, err
	}
	c := Commit{
		GroupID:   g.id,
		Epoch:     g.epoch,
		Committer: e.Self(),
		Add:       kp,
		Nonce:     nonce,
		Sealed:    sealed,
	}
	c.Signature = ed25519.Sign(e.signer, c.tbs())
	commit, err := json.Marshal(c)
	if err != nil {
		return AddResult{}, err
	}

	next := g.epoch + 1
	nextSecret := nextEpochSecret(g.secret, commitSecret, g.id, next)
	welcome, err := e.sealWelcome(kp, g, next, nextSecret)
	if err != nil {
		return AddResult{}, err
	}
	return AddResult{Commit: commit, Welcome: welcome, Member: joiner, Epoch: g.epoch}, nil
}

func (e *Engine) sealWelcome(kp KeyPackage, g *group, epoch uint64, secret []byte) ([]byte, error) {
	initKey, err := ecdh.X25519().NewPublicKey(kp.InitKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdmissionRejected, err)
	}
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	shared, err := eph.ECDH(initKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdmissionRejected, err)
	}
	ref := kp.Ref()
	nonce, sealed, err := seal(welcomeKey(shared, ref), secret, epochContext(g.id, epoch))
	if err != nil {
		return nil, err
	}
	w := Welcome{
		GroupID:       g.id,
		Epoch:         epoch,
		Members:       append(slices.Clone(g.members), Member{ID: kp.Credential.MemberID(), Credential: kp.Credential}),
		KeyPackageRef: ref,
		EphemeralKey:  eph.PublicKey().Bytes(),
		Nonce:         nonce,
		Sealed:        sealed,
		Committer:     e.Self(),
	}
	w.Signature = ed25519.Sign(e.signer, w.tbs())
	return json.Marshal(w)
}

// EpochUpdate describes the group after a commit or welcome was applied.
type EpochUpdate struct {
	Group     GroupHandle
	Epoch     uint64
	Members   []Member
	Committer MemberID
	Added     MemberID
}

// ApplyCommit merges a commit staged against the current epoch, including
// commits this engine produced itself.
func (e *Engine) ApplyCommit(b []byte) (EpochUpdate, error) {
	g := e.group
	if g == nil {
		return EpochUpdate{}, ErrNoGroup
	}
	var c Commit
	if err := json.Unmarshal(b, &c); err != nil {
		return EpochUpdate{}, fmt.Errorf("%w: %v", ErrAdmissionRejected, err)
	}
	if !bytes.Equal(c.GroupID, g.id) {
		return EpochUpdate{}, fmt.Errorf("%w: foreign group", ErrAdmissionRejected)
	}
	if c.Epoch != g.epoch {
		return EpochUpdate{}, fmt.Errorf("%w: commit for epoch %d at epoch %d", ErrStaleCommit, c.Epoch, g.epoch)
	}
	committer, ok := g.member(c.Committer)
	if !ok {
		return EpochUpdate{}, fmt.Errorf("%w: unknown committer %s", ErrAdmissionRejected, c.Committer.Short())
	}
	if !ed25519.Verify(committer.Credential.SignatureKey, c.tbs(), c.Signature) {
		return EpochUpdate{}, fmt.Errorf("%w: bad commit signature", ErrAdmissionRejected)
	}
	if err := c.Add.validate(); err != nil {
		return EpochUpdate{}, err
	}
	added := Member{ID: c.Add.Credential.MemberID(), Credential: c.Add.Credential}
	if _, dup := g.member(added.ID); dup {
		return EpochUpdate{}, fmt.Errorf("%w: %s already a member", ErrAdmissionRejected, added.ID.Short())
	}
	commitSecret, err := open(handshakeKey(g.secret), c.Nonce, c.Sealed, epochContext(g.id, g.epoch))
	if err != nil {
		return EpochUpdate{}, fmt.Errorf("%w: commit secret: %v", ErrAdmissionRejected, err)
	}

	g.epoch++
	g.secret = nextEpochSecret(g.secret, commitSecret, g.id, g.epoch)
	g.members = append(g.members, added)
	h, _ := e.Group()
	return EpochUpdate{
		Group:     h,
		Epoch:     g.epoch,
		Members:   slices.Clone(g.members),
		Committer: c.Committer,
		Added:     added.ID,
	}, nil
}

// ApplyWelcome joins the group a welcome describes. The welcome must answer
// a key package produced by MakeKeyPackage since the last Reset.
func (e *Engine) ApplyWelcome(b []byte) (EpochUpdate, error) {
	if e.group != nil {
		return EpochUpdate{}, ErrGroupExists
	}
	var w Welcome
	if err := json.Unmarshal(b, &w); err != nil {
		return EpochUpdate{}, fmt.Errorf("%w: %v", ErrWelcomeMismatch, err)
	}
	priv, ok := e.pending[hex.EncodeToString(w.KeyPackageRef)]
	if !ok {
		return EpochUpdate{}, fmt.Errorf("%w: no outstanding key package", ErrWelcomeMismatch)
	}
	var committer *Member
	self := false
	for i := range w.Members {
		m := &w.Members[i]
		if m.Credential.MemberID() != m.ID {
			return EpochUpdate{}, fmt.Errorf("%w: roster id mismatch", ErrWelcomeMismatch)
		}
		if m.ID == w.Committer {
			committer = m
		}
		if m.ID == e.Self() {
			self = true
		}
	}
	if committer == nil || !self {
		return EpochUpdate{}, fmt.Errorf("%w: roster does not name committer and self", ErrWelcomeMismatch)
	}
	if !ed25519.Verify(committer.Credential.SignatureKey, w.tbs(), w.Signature) {
		return EpochUpdate{}, fmt.Errorf("%w: bad welcome signature", ErrWelcomeMismatch)
	}
	eph, err := ecdh.X25519().NewPublicKey(w.EphemeralKey)
	if err != nil {
		return EpochUpdate{}, fmt.Errorf("%w: %v", ErrWelcomeMismatch, err)
	}
	shared, err := priv.ECDH(eph)
	if err != nil {
		return EpochUpdate{}, fmt.Errorf("%w: %v", ErrWelcomeMismatch, err)
	}
	secret, err := open(welcomeKey(shared, w.KeyPackageRef), w.Nonce, w.Sealed, epochContext(w.GroupID, w.Epoch))
	if err != nil {
		return EpochUpdate{}, fmt.Errorf("%w: epoch secret: %v", ErrWelcomeMismatch, err)
	}

	e.group = &group{
		id:      slices.Clone(w.GroupID),
		epoch:   w.Epoch,
		members: slices.Clone(w.Members),
		secret:  secret,
	}
	clear(e.pending)
	h, _ := e.Group()
	return EpochUpdate{
		Group:     h,
		Epoch:     w.Epoch,
		Members:   slices.Clone(w.Members),
		Committer: w.Committer,
		Added:     e.Self(),
	}, nil
}

// Encrypt seals plaintext under the current epoch.
func (e *Engine) Encrypt(plaintext []byte) ([]byte, error) {
	g := e.group
	if g == nil {
		return nil, ErrNoGroup
	}
	m := ApplicationMessage{GroupID: g.id, Epoch: g.epoch, Sender: e.Self()}
	nonce, ct, err := seal(applicationKey(g.secret), plaintext, m.aad())
	if err != nil {
		return nil, err
	}
	m.Nonce, m.Ciphertext = nonce, ct
	m.Signature = ed25519.Sign(e.signer, m.tbs())
	return json.Marshal(m)
}

// Plaintext is a decrypted application message.
type Plaintext struct {
	Sender MemberID
	Epoch  uint64
	Data   []byte
}

// Decrypt opens an application message sealed under the current epoch.
func (e *Engine) Decrypt(b []byte) (Plaintext, error) {
	g := e.group
	if g == nil {
		return Plaintext{}, fmt.Errorf("%w: %v", ErrDecryptFailed, ErrNoGroup)
	}
	var m ApplicationMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return Plaintext{}, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if !bytes.Equal(m.GroupID, g.id) {
		return Plaintext{}, fmt.Errorf("%w: foreign group", ErrDecryptFailed)
	}
	if m.Epoch != g.epoch {
		return Plaintext{}, fmt.Errorf("%w: message epoch %d at epoch %d", ErrDecryptFailed, m.Epoch, g.epoch)
	}
	sender, ok := g.member(m.Sender)
	if !ok {
		return Plaintext{}, fmt.Errorf("%w: unknown sender %s", ErrDecryptFailed, m.Sender.Short())
	}
	if !ed25519.Verify(sender.Credential.SignatureKey, m.tbs(), m.Signature) {
		return Plaintext{}, fmt.Errorf("%w: bad signature", ErrDecryptFailed)
	}
	pt, err := open(applicationKey(g.secret), m.Nonce, m.Ciphertext, m.aad())
	if err != nil {
		return Plaintext{}, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return Plaintext{Sender: m.Sender, Epoch: m.Epoch, Data: pt}, nil
}
