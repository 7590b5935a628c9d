package cache

import (
	"context"
	"log/slog"
	"time"

	shelferrors "github.com/mirkobrombin/go-shelf/v1/errors"
)

// DefaultTimeout bounds every call made through a ResilientCache.
const DefaultTimeout = 200 * time.Millisecond

// ResilientCache wraps a Cache implementation and suppresses errors,
// logging them instead of returning them. A failing Get reads as a miss and a
// failing Set or Invalidate as a skipped write. Each call runs under a short
// timeout so a slow backend degrades to a miss.
type ResilientCache[T any] struct {
	inner   Cache[T]
	timeout time.Duration
	logger  *slog.Logger
}

// ResilientOption configures a ResilientCache.
type ResilientOption func(*resilientConfig)

type resilientConfig struct {
	timeout time.Duration
	logger  *slog.Logger
}

// WithTimeout sets the per-call timeout. Zero or negative disables it.
func WithTimeout(d time.Duration) ResilientOption {
	return func(c *resilientConfig) { c.timeout = d }
}

// WithLogger sets the logger used for absorbed failures.
func WithLogger(l *slog.Logger) ResilientOption {
	return func(c *resilientConfig) { c.logger = l }
}

// NewResilient creates a new ResilientCache wrapper.
func NewResilient[T any](inner Cache[T], opts ...ResilientOption) *ResilientCache[T] {
	cfg := resilientConfig{timeout: DefaultTimeout}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &ResilientCache[T]{inner: inner, timeout: cfg.timeout, logger: cfg.logger}
}

func (r *ResilientCache[T]) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Get implements Cache.Get.
func (r *ResilientCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	val, ok, err := r.inner.Get(ctx, key)
	if err != nil {
		r.logger.Warn("cache get failed, treating as miss", "key", key, "error", err, "kind", shelferrors.ErrCacheUnavailable)
		var zero T
		return zero, false, nil
	}
	return val, ok, nil
}

// Set implements Cache.Set.
func (r *ResilientCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.inner.Set(ctx, key, value, ttl); err != nil {
		r.logger.Warn("cache set failed, skipped", "key", key, "error", err, "kind", shelferrors.ErrCacheUnavailable)
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *ResilientCache[T]) Invalidate(ctx context.Context, key string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.inner.Invalidate(ctx, key); err != nil {
		r.logger.Warn("cache invalidate failed, entry left to expire", "key", key, "error", err, "kind", shelferrors.ErrCacheUnavailable)
	}
	return nil
}
