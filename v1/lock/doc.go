// Package lock provides TimedFileLock, a cross-process advisory file lock
// with a bounded wait, and Dir, a keyed locker built on top of it.
//
// flock(2) blocks until the lock is granted and cannot be given a timeout.
// TimedFileLock hands the blocking call to a short-lived worker process
// (see package worker) and waits on the worker's report with a deadline.
// When the deadline passes the worker is killed; if the kernel granted the
// lock in the meantime, the grant dies with the worker. While a lock is
// held, the worker is the lock: releasing means telling it to exit.
//
// A TimedFileLock is single-use and not re-entrant. Acquiring a second lock
// on the same file from the same program behaves like any other contender
// and can deadlock against the first if waiting forever.
//
// Usage:
//
//	err := lock.WithLock(ctx, "/tmp/app.lock", func(l *lock.TimedFileLock) error {
//	    if !l.Locked() {
//	        return nil // busy
//	    }
//	    ...
//	}, lock.WithTimeout(5*time.Second))
//
// Programs using this package must call worker.Init at the top of main.
package lock
