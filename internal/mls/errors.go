package mls

import "errors"

var (
	// ErrAdmissionRejected: a key package or commit the engine refuses
	// (malformed, bad signature, unsupported ciphersuite, duplicate member).
	ErrAdmissionRejected = errors.New("admission rejected")
	// ErrStaleCommit: a commit whose epoch is not the current epoch.
	ErrStaleCommit = errors.New("stale commit")
	// ErrWelcomeMismatch: a welcome that does not answer an outstanding key
	// package of this engine.
	ErrWelcomeMismatch = errors.New("welcome mismatch")
	// ErrDecryptFailed: an application message that cannot be opened under
	// the current epoch.
	ErrDecryptFailed = errors.New("decrypt failed")
	// ErrNoGroup: the operation needs a group and there is none.
	ErrNoGroup = errors.New("no group")
	// ErrGroupExists: the engine already holds a group.
	ErrGroupExists = errors.New("group already exists")
)
