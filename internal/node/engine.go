package node

import (
	"context"
	"errors"

	"github.com/zmlAEQ/mlsnet/internal/directory"
	"github.com/zmlAEQ/mlsnet/internal/mls"
)

// ErrJoinTimeout is returned when no welcome arrives within the join window.
var ErrJoinTimeout = errors.New("join timeout")

// GroupEngine is the group key agreement the node drives. *mls.Engine
// implements it.
type GroupEngine interface {
	Self() mls.MemberID
	InitGroup() (mls.GroupHandle, error)
	MakeKeyPackage() ([]byte, error)
	ProposeAdd(keyPackage []byte) (mls.AddResult, error)
	ApplyCommit(commit []byte) (mls.EpochUpdate, error)
	ApplyWelcome(welcome []byte) (mls.EpochUpdate, error)
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) (mls.Plaintext, error)
	Epoch() (uint64, bool)
	Group() (mls.GroupHandle, bool)
	Members() []mls.Member
	Reset()
}

// groupState is everything the epoch synchronizer guards.
type groupState struct {
	engine  GroupEngine
	dir     *directory.Directory
	pending *PendingJoin
}

func memberIDs(ms []mls.Member) []mls.MemberID {
	out := make([]mls.MemberID, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

type traceKey struct{}

func withTrace(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func traceOf(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
