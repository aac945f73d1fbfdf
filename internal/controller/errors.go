package controller

import (
	"errors"
	"fmt"

	"github.com/loykin/sisupload/internal/lockfile"
	"github.com/loykin/sisupload/internal/poller"
)

var (
	// ErrConcurrentRun means the lock is held by a process that is still alive.
	ErrConcurrentRun = errors.New("upload already in progress")
	// ErrUnknownRemoteState means the lock file records a remote state the
	// tool cannot recover from without an operator.
	ErrUnknownRemoteState = poller.ErrUnknownRemoteState
	ErrPollTimeout        = poller.ErrPollTimeout
	// ErrForceRequired is returned by Unlock for records it only clears with force.
	ErrForceRequired = errors.New("lock needs --force to clear")
)

// FatalError stops a run without touching the lock file. Raw is the lock file
// content that caused it, shown verbatim to the operator.
type FatalError struct {
	Err    error
	Record lockfile.Record
	Raw    string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Raw)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Recovery says how a stale lock was taken over.
type Recovery int

const (
	RecoveredNone Recovery = iota
	// RecoveredCrash: the owner of a Working record is gone.
	RecoveredCrash
	// RecoveredTimeout: the previous run gave up waiting on its import.
	RecoveredTimeout
)

func (r Recovery) String() string {
	switch r {
	case RecoveredCrash:
		return "crash"
	case RecoveredTimeout:
		return "timeout"
	default:
		return "none"
	}
}
