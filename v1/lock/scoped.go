package lock

import "context"

// WithLock creates a lock on path, tries to acquire it and calls fn with
// it. The lock is released when fn returns or panics. fn runs whether or
// not the lock was obtained and must check l.Locked(). Errors from New or
// Acquire are returned without calling fn.
func WithLock(ctx context.Context, path string, fn func(l *TimedFileLock) error, opts ...Option) error {
	opts = append([]Option{WithTag(callerTag(1))}, opts...)
	l, err := New(path, opts...)
	if err != nil {
		return err
	}
	defer l.Release()
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	return fn(l)
}
