package flock

import (
	"fmt"
	"os"
	"path/filepath"

	lockerrors "github.com/mirkobrombin/go-timedflock/v1/errors"
)

// Mode selects between a reader (shared) and a writer (exclusive) lock.
type Mode int

const (
	// Exclusive allows a single holder.
	Exclusive Mode = iota
	// Shared allows any number of shared holders and excludes Exclusive.
	Shared
)

func (m Mode) String() string {
	switch m {
	case Exclusive:
		return "exclusive"
	case Shared:
		return "shared"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts the String form back into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "exclusive", "":
		return Exclusive, nil
	case "shared":
		return Shared, nil
	}
	return Exclusive, fmt.Errorf("timedflock: unknown lock mode %q", s)
}

// File is an open lock file.
type File struct {
	path string
	f    *os.File
}

// Open resolves path to an absolute path and opens it, creating the file if
// it does not exist. An existing file that cannot be opened for writing is
// opened read-only, which is enough for flock(2). Failures are returned as
// *errors.ResourceError.
func Open(path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &lockerrors.ResourceError{Path: path, Err: err}
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil && os.IsPermission(err) {
		if ro, roErr := os.OpenFile(abs, os.O_RDONLY, 0); roErr == nil {
			f, err = ro, nil
		}
	}
	if err != nil {
		return nil, &lockerrors.ResourceError{Path: abs, Err: err}
	}
	return &File{path: abs, f: f}, nil
}

// FromFile wraps an already open descriptor, e.g. one inherited from the
// parent process.
func FromFile(f *os.File, path string) *File {
	return &File{path: path, f: f}
}

// Path returns the absolute path of the lock file.
func (l *File) Path() string { return l.path }

// OSFile exposes the underlying descriptor so it can be handed to a child
// process.
func (l *File) OSFile() *os.File { return l.f }

// Close closes the descriptor, dropping any lock held through it.
func (l *File) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
