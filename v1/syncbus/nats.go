package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using a NATS backend. Keys are used as subjects.
type NATSBus struct {
	conn      *nats.Conn
	fan       fanout
	mu        sync.Mutex
	subs      map[string]*nats.Subscription
	published atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		subs: make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(key, []byte("1")); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The NATS subscription is flushed
// before returning so events published afterwards are not missed.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.fan.add(key)
	if first {
		ns, err := b.conn.Subscribe(key, func(_ *nats.Msg) { b.fan.deliver(key) })
		if err == nil {
			err = b.conn.Flush()
		}
		if err != nil {
			if ns != nil {
				_ = ns.Unsubscribe()
			}
			b.fan.remove(key, ch)
			return nil, err
		}
		b.subs[key] = ns
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.fan.remove(key, ch) {
		return nil
	}
	ns := b.subs[key]
	delete(b.subs, key)
	if ns == nil {
		return nil
	}
	return ns.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.fan.delivered.Load()}
}
