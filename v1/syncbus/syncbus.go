// Package syncbus propagates lock and unlock notifications between
// processes. Events are keyed per lock file; they are informational and
// never affect who holds a lock.
package syncbus

import (
	"context"
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Bus provides a simple pub/sub mechanism for lock events.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

const keyPrefix = "timedflock."

// LockKey is the event key published when a lock on path is granted.
func LockKey(path string) string { return keyPrefix + "lock." + pathID(path) }

// UnlockKey is the event key published when a lock on path is released.
func UnlockKey(path string) string { return keyPrefix + "unlock." + pathID(path) }

// pathID derives a subject-safe identifier from the absolute path so that
// every process names the same file the same way.
func pathID(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return fmt.Sprintf("%x", sha256.Sum256([]byte(path)))[:16]
}

// Metrics reports bus activity.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout holds the local subscriber channels of one key. Delivery never
// blocks: a subscriber that has not drained its previous event misses the
// next one.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	delivered atomic.Uint64
}

func (f *fanout) add(key string) (ch chan struct{}, first bool) {
	ch = make(chan struct{}, 1)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[string][]chan struct{})
	}
	first = len(f.subs[key]) == 0
	f.subs[key] = append(f.subs[key], ch)
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether key has no subscribers left.
func (f *fanout) remove(key string, ch chan struct{}) (last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs, ok := f.subs[key]
	if !ok {
		return false
	}
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, key)
		return true
	}
	f.subs[key] = subs
	return false
}

func (f *fanout) deliver(key string) {
	f.mu.Lock()
	chans := append([]chan struct{}(nil), f.subs[key]...)
	f.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

// InMemoryBus is a process-local Bus, mainly for tests and single-process
// observers.
type InMemoryBus struct {
	fan       fanout
	published atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.fan.deliver(key)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is
// done or Unsubscribe is called.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch, _ := b.fan.add(key)
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.fan.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.fan.delivered.Load()}
}
