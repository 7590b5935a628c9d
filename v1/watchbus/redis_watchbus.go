package watchbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-shelf/v1/metrics"
)

const (
	defaultStreamPrefix = "shelf:feed:"
	defaultStreamMaxLen = 100
	readBlock           = 5 * time.Second
)

// RedisWatchBus uses Redis Streams to implement WatchBus, so watchers on
// any node see events published on any other node.
type RedisWatchBus struct {
	client  *redis.Client
	prefix  string
	maxLen  int64
	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// RedisOption configures a RedisWatchBus.
type RedisOption func(*RedisWatchBus)

// WithStreamMaxLen caps each stream at roughly n entries.
func WithStreamMaxLen(n int64) RedisOption {
	return func(b *RedisWatchBus) {
		if n > 0 {
			b.maxLen = n
		}
	}
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
func NewRedisWatchBus(client *redis.Client, opts ...RedisOption) *RedisWatchBus {
	b := &RedisWatchBus{
		client:  client,
		prefix:  defaultStreamPrefix,
		maxLen:  defaultStreamMaxLen,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisWatchBus) stream(key string) string { return b.prefix + key }

// Publish appends a message to the stream of key.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(key),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
}

// Watch reads new messages from the stream of key. Only messages added after
// the call are delivered.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lastID, err := b.tail(ctx, key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, 1)

	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	b.mu.Unlock()
	metrics.WatcherGauge.Inc()

	go func() {
		defer close(ch)
		defer metrics.WatcherGauge.Dec()
		defer b.forget(key, ch)
		for {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{b.stream(key), lastID},
				Block:   readBlock,
				Count:   16,
			}).Result()
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					v, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					select {
					case ch <- []byte(v):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// tail returns the ID of the newest entry of the stream, or "0" if empty.
func (b *RedisWatchBus) tail(ctx context.Context, key string) (string, error) {
	msgs, err := b.client.XRevRangeN(ctx, b.stream(key), "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "0", nil
	}
	return msgs[0].ID, nil
}

func (b *RedisWatchBus) forget(key string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.cancels[key]; ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.cancels, key)
		}
	}
}

// Unwatch stops watching the given key and channel. The channel is closed
// by the reader goroutine shortly after.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	cancel, ok := b.cancels[key][ch]
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}
