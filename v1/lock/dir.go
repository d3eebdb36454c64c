package lock

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	lockerrors "github.com/mirkobrombin/go-timedflock/v1/errors"
)

var safeKey = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

type dirEntry struct {
	lock   *TimedFileLock
	notify chan struct{}
}

// Dir hands out named locks backed by lock files in one directory. Each key
// is held at most once per Dir; other processes (or other Dir values on the
// same directory) contend through the files themselves.
type Dir struct {
	dir  string
	opts []Option

	mu      sync.Mutex
	entries map[string]*dirEntry
}

// NewDir returns a Dir creating lock files in dir with the given options.
// Timeout options are overridden per call.
func NewDir(dir string, opts ...Option) *Dir {
	return &Dir{
		dir:     dir,
		opts:    opts,
		entries: make(map[string]*dirEntry),
	}
}

// Path returns the lock file used for key. Keys that are not plain file
// names are hashed.
func (d *Dir) Path(key string) string {
	name := key
	if !safeKey.MatchString(key) {
		name = fmt.Sprintf("%x", sha256.Sum256([]byte(key)))[:16]
	}
	return filepath.Join(d.dir, name+".lock")
}

// Held reports whether this Dir currently holds key.
func (d *Dir) Held(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	return ok && e.lock != nil
}

// reserve claims key for an attempt. It returns the entry currently using
// the key when the claim fails.
func (d *Dir) reserve(key string) (mine, busy *dirEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[key]; ok {
		return nil, e
	}
	e := &dirEntry{notify: make(chan struct{})}
	d.entries[key] = e
	return e, nil
}

func (d *Dir) drop(key string, e *dirEntry) {
	d.mu.Lock()
	if d.entries[key] == e {
		delete(d.entries, key)
		close(e.notify)
	}
	d.mu.Unlock()
}

// attempt runs one TimedFileLock for key. err reports an attempt that could
// not be made; cause is the reason the lock reported for a miss.
func (d *Dir) attempt(ctx context.Context, key string, e *dirEntry, timeout time.Duration) (ok bool, cause error, err error) {
	opts := append(append([]Option(nil), d.opts...), WithTimeout(timeout), WithTag("dir:"+key))
	l, err := New(d.Path(key), opts...)
	if err != nil {
		d.drop(key, e)
		return false, nil, err
	}
	if err = l.Acquire(ctx); err != nil {
		d.drop(key, e)
		return false, nil, err
	}
	if !l.Locked() {
		d.drop(key, e)
		return false, l.Cause(), nil
	}
	d.mu.Lock()
	e.lock = l
	d.mu.Unlock()
	return true, nil, nil
}

// TryLock attempts to obtain the lock without waiting. It returns true on
// success.
func (d *Dir) TryLock(ctx context.Context, key string) (bool, error) {
	e, busy := d.reserve(key)
	if busy != nil {
		return false, nil
	}
	ok, _, err := d.attempt(ctx, key, e, 0)
	return ok, err
}

// Acquire blocks until the lock is obtained or ctx is done. An elapsed
// deadline is reported as errors.ErrTimeout.
func (d *Dir) Acquire(ctx context.Context, key string) error {
	for {
		e, busy := d.reserve(key)
		if busy != nil {
			select {
			case <-busy.notify:
				continue
			case <-ctx.Done():
				return ctxErr(ctx)
			}
		}
		ok, cause, err := d.attempt(ctx, key, e, Forever)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if ctx.Err() != nil {
			return ctxErr(ctx)
		}
		return fmt.Errorf("timedflock: lock %q not acquired: %w", key, cause)
	}
}

// Release frees the lock for the given key. Releasing a key that is not
// held is a no-op.
func (d *Dir) Release(ctx context.Context, key string) error {
	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok || e.lock == nil {
		d.mu.Unlock()
		return nil
	}
	delete(d.entries, key)
	d.mu.Unlock()

	err := e.lock.Release()
	close(e.notify)
	return err
}

// Close releases every held key concurrently.
func (d *Dir) Close(ctx context.Context) error {
	d.mu.Lock()
	keys := make([]string, 0, len(d.entries))
	for k, e := range d.entries {
		if e.lock != nil {
			keys = append(keys, k)
		}
	}
	d.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, k := range keys {
		k := k
		g.Go(func() error { return d.Release(gctx, k) })
	}
	return g.Wait()
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return lockerrors.ErrTimeout
	}
	return ctx.Err()
}
