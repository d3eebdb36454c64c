//go:build unix

package flock

import (
	"errors"

	"golang.org/x/sys/unix"

	lockerrors "github.com/mirkobrombin/go-timedflock/v1/errors"
)

// Lock applies the advisory lock in the given mode. Without nonBlocking the
// call blocks until the lock is granted and has no timeout of its own. With
// nonBlocking it returns errors.ErrWouldBlock if the lock is held elsewhere.
func (l *File) Lock(mode Mode, nonBlocking bool) error {
	if l == nil || l.f == nil {
		return unix.EBADF
	}
	how := unix.LOCK_EX
	if mode == Shared {
		how = unix.LOCK_SH
	}
	if nonBlocking {
		how |= unix.LOCK_NB
	}
	for {
		err := unix.Flock(int(l.f.Fd()), how)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN):
			return lockerrors.ErrWouldBlock
		default:
			return err
		}
	}
}

// Unlock removes the advisory lock without closing the descriptor.
func (l *File) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}
