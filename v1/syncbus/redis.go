package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on top of Redis pub/sub. Keys are used as
// channel names.
type RedisBus struct {
	client    *redis.Client
	fan       fanout
	mu        sync.Mutex
	subs      map[string]*redis.PubSub
	published atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		subs:   make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	if err := b.client.Publish(ctx, key, "1").Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It waits for Redis to confirm the
// subscription before returning.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.fan.add(key)
	if first {
		ps := b.client.Subscribe(context.Background(), key)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			b.fan.remove(key, ch)
			return nil, err
		}
		b.subs[key] = ps
		go b.dispatch(key, ps.Channel())
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(key string, msgs <-chan *redis.Message) {
	for range msgs {
		b.fan.deliver(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.fan.remove(key, ch) {
		return nil
	}
	ps := b.subs[key]
	delete(b.subs, key)
	if ps == nil {
		return nil
	}
	return ps.Close()
}

// Close drops every Redis subscription. The client is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for key, ps := range b.subs {
		if err := ps.Close(); err != nil && first == nil {
			first = err
		}
		delete(b.subs, key)
	}
	return first
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.fan.delivered.Load()}
}
