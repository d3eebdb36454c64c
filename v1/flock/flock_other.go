//go:build !unix

package flock

import lockerrors "github.com/mirkobrombin/go-timedflock/v1/errors"

// Lock is not available without flock(2).
func (l *File) Lock(_ Mode, _ bool) error {
	return lockerrors.ErrUnsupported
}

// Unlock is a no-op without flock(2).
func (l *File) Unlock() error {
	return nil
}
