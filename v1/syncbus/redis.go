package syncbus

import (
	"context"
	stdErrors "errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	shelferrors "github.com/mirkobrombin/go-shelf/v1/errors"
)

const redisBusTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-shelf/v1/syncbus")

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisBus implements Bus on top of Redis pub/sub. Every publish carries a
// random id so a node that sees the same message twice after a reconnect
// delivers it once.
type RedisBus struct {
	client *redis.Client

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	pending   map[string]struct{}
	processed map[string]struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client:    client,
		subs:      make(map[string]*redisSubscription),
		pending:   make(map[string]struct{}),
		processed: make(map[string]struct{}),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("shelf.bus.key", key)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return shelferrors.ErrTimeout
		}
		return err
	}

	b.mu.Lock()
	if _, ok := b.pending[key]; ok {
		b.mu.Unlock()
		return nil // deduplicate
	}
	b.pending[key] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
	}()

	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, key, uuid.NewString()).Err(); err != nil {
		span.RecordError(err)
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return shelferrors.ErrTimeout
		}
		if stdErrors.Is(err, redis.ErrClosed) {
			return shelferrors.ErrConnectionClosed
		}
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It retries with jittered backoff while
// the server is unreachable and ctx allows.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, shelferrors.ErrTimeout
		}
		return nil, err
	}
	ch := make(chan struct{}, 1)
	backoff := 100 * time.Millisecond
	for {
		b.mu.Lock()
		sub, ok := b.subs[key]
		if ok {
			sub.chans = append(sub.chans, ch)
			b.mu.Unlock()
			break
		}
		b.mu.Unlock()
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		ps := b.client.Subscribe(cctx, key)
		_, err := ps.Receive(cctx)
		cancel()
		if err == nil {
			b.mu.Lock()
			if existing, ok := b.subs[key]; ok {
				existing.chans = append(existing.chans, ch)
				b.mu.Unlock()
				_ = ps.Close()
				break
			}
			sub = &redisSubscription{pubsub: ps, chans: []chan struct{}{ch}}
			b.subs[key] = sub
			b.mu.Unlock()
			go b.dispatch(sub)
			break
		}
		_ = ps.Close()
		if stdErrors.Is(err, redis.ErrClosed) {
			return nil, shelferrors.ErrConnectionClosed
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, shelferrors.ErrTimeout
		}
		select {
		case <-ctx.Done():
			if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, shelferrors.ErrTimeout
			}
			return nil, ctx.Err()
		default:
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		time.Sleep(backoff + jitter)
		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(sub *redisSubscription) {
	for msg := range sub.pubsub.Channel() {
		b.mu.Lock()
		if _, ok := b.processed[msg.Payload]; ok {
			b.mu.Unlock()
			continue
		}
		b.processed[msg.Payload] = struct{}{}
		chans := append([]chan struct{}(nil), sub.chans...)
		b.mu.Unlock()

		for _, ch := range chans {
			select {
			case ch <- struct{}{}:
				b.delivered.Add(1)
			default:
			}
		}
		b.forget(msg.Payload)
	}
}

// forget drops a processed id after a grace period so the set stays bounded.
func (b *RedisBus) forget(id string) {
	time.AfterFunc(time.Minute, func() {
		b.mu.Lock()
		delete(b.processed, id)
		b.mu.Unlock()
	})
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return shelferrors.ErrTimeout
		}
		return err
	}
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, key)
	b.mu.Unlock()
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	_ = sub.pubsub.Unsubscribe(cctx, key)
	if err := sub.pubsub.Close(); err != nil {
		if stdErrors.Is(err, redis.ErrClosed) {
			return shelferrors.ErrConnectionClosed
		}
		return err
	}
	return nil
}

// Close drops every subscription and closes subscriber channels.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, sub := range b.subs {
		_ = sub.pubsub.Close()
		for _, ch := range sub.chans {
			close(ch)
		}
		delete(b.subs, key)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
