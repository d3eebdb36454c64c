// Package flock resolves and opens the file used as an advisory lock token
// and wraps the flock(2) primitive on its descriptor.
//
// The content of a lock file is never read or written. A lock is scoped to
// one open file description: closing the descriptor, or the death of the
// only process holding it, releases the lock.
package flock
