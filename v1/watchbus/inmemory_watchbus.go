package watchbus

import (
	"context"
	"sync"

	"github.com/mirkobrombin/go-shelf/v1/metrics"
)

// InMemoryWatchBus is an in-process WatchBus. Slow watchers drop messages
// instead of blocking publishers.
type InMemoryWatchBus struct {
	mu     sync.Mutex
	subs   map[string][]chan []byte
	buffer int
}

// InMemoryOption configures an InMemoryWatchBus.
type InMemoryOption func(*InMemoryWatchBus)

// WithBuffer sets the per-watcher channel capacity. Default 16.
func WithBuffer(n int) InMemoryOption {
	return func(b *InMemoryWatchBus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory(opts ...InMemoryOption) *InMemoryWatchBus {
	b := &InMemoryWatchBus{subs: make(map[string][]chan []byte), buffer: 16}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends data to all watchers of key.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[key] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Watch subscribes to key and returns a channel receiving messages. The
// channel is closed once ctx is done or Unwatch is called.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	metrics.WatcherGauge.Inc()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch removes the channel from key watchers. Unknown channels are
// ignored.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			metrics.WatcherGauge.Dec()
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = subs
	}
	return nil
}

// Watchers returns the number of watchers registered on key.
func (b *InMemoryWatchBus) Watchers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}
