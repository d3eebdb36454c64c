// Package errors defines the error values shared by the timedflock packages.
//
// A lock that could not be obtained within its timeout is not an error: the
// lock simply reports Locked() == false. Errors are reserved for conditions
// that prevent an attempt from being made at all.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by blocking keyed operations whose context
	// deadline elapsed before the lock was granted.
	ErrTimeout = errors.New("timedflock: timeout")
	// ErrLockUsed is returned when Acquire is called on a TimedFileLock that
	// already went through an attempt. Locks are single-use.
	ErrLockUsed = errors.New("timedflock: lock instance already used")
	// ErrInvalidTimeout is returned for negative timeouts other than Forever.
	ErrInvalidTimeout = errors.New("timedflock: invalid timeout")
	// ErrWorkerGone reports that the worker closed its channel before
	// sending any message.
	ErrWorkerGone = errors.New("timedflock: worker exited without reporting")
	// ErrWouldBlock is returned by a non-blocking lock attempt on a lock
	// already held elsewhere.
	ErrWouldBlock = errors.New("timedflock: lock is held elsewhere")
	// ErrUnsupported is returned on platforms without flock(2).
	ErrUnsupported = errors.New("timedflock: advisory file locks are not supported on this platform")
	// ErrNotWorker is returned when the worker entry point runs in a process
	// that was not started as a worker.
	ErrNotWorker = errors.New("timedflock: process was not started as a lock worker")
)

// ResourceError reports that the lock file could not be opened or created.
type ResourceError struct {
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("timedflock: open lock file %s: %v", e.Path, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// WorkerSpawnError reports that the worker process could not be started or
// its pipes could not be set up.
type WorkerSpawnError struct {
	Command string
	Err     error
}

func (e *WorkerSpawnError) Error() string {
	return fmt.Sprintf("timedflock: spawn worker %s: %v", e.Command, e.Err)
}

func (e *WorkerSpawnError) Unwrap() error { return e.Err }
