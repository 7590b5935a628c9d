package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	shelferrors "github.com/mirkobrombin/go-shelf/v1/errors"
	"github.com/mirkobrombin/go-shelf/v1/metrics"
	"github.com/mirkobrombin/go-shelf/v1/syncbus"
)

const (
	// KeyPrefix is prepended by backends to every lock key.
	KeyPrefix = "LOCK:"

	DefaultWait  = 5 * time.Second
	DefaultLease = 3 * time.Second

	defaultRetryInterval = 25 * time.Millisecond
)

// Locker grants exclusive leases on string keys.
type Locker interface {
	// Acquire blocks up to wait for the key. The returned lock expires after
	// lease unless released earlier. Contention past wait yields an error
	// matching errors.ErrLockNotAcquired; a backend fault yields one matching
	// errors.ErrLockUnavailable.
	Acquire(ctx context.Context, key string, wait, lease time.Duration) (*Handle, error)
}

// Options configure a scoped acquisition.
type Options struct {
	Wait  time.Duration
	Lease time.Duration
}

// DefaultOptions returns a 5s wait and a 3s lease.
func DefaultOptions() Options {
	return Options{Wait: DefaultWait, Lease: DefaultLease}
}

// Key builds a deterministic lock key such as "add-book:42:9780000000001".
func Key(op string, parts ...any) string {
	var b strings.Builder
	b.WriteString(op)
	for _, p := range parts {
		b.WriteByte(':')
		fmt.Fprint(&b, p)
	}
	return b.String()
}

// Handle is a granted lock. Release is safe to call more than once and after
// the lease has expired.
type Handle struct {
	key        string
	token      string
	lease      time.Duration
	acquiredAt time.Time
	released   atomic.Bool
	release    func(ctx context.Context, key, token string) (bool, error)
	logger     *slog.Logger
}

// Key returns the lock key without the backend prefix.
func (h *Handle) Key() string { return h.key }

// Token returns the random token identifying this grant.
func (h *Handle) Token() string { return h.token }

// Expires returns the time at which the lease runs out.
func (h *Handle) Expires() time.Time { return h.acquiredAt.Add(h.lease) }

// Release frees the lock if this handle still owns it. Releasing twice, or
// after the lease expired and someone else took the key, returns nil. Backend
// faults are returned wrapped in errors.ErrLockUnavailable.
func (h *Handle) Release(ctx context.Context) error {
	if !h.released.CompareAndSwap(false, true) {
		h.logger.Debug("lock already released", "key", h.key)
		return nil
	}
	metrics.LockHoldSeconds.Observe(time.Since(h.acquiredAt).Seconds())
	held, err := h.release(ctx, h.key, h.token)
	if err != nil {
		return fmt.Errorf("release %s: %w: %v", h.key, shelferrors.ErrLockUnavailable, err)
	}
	if !held {
		h.logger.Debug("lock lease expired before release", "key", h.key)
	}
	return nil
}

// Do acquires key, runs fn and releases the lock on every exit path,
// including panics. Release faults are logged, never returned. fn's context
// expires shortly before the lease so that its work stops while the lock
// still excludes other holders.
func Do(ctx context.Context, l Locker, key string, opts Options, fn func(ctx context.Context) error) error {
	if opts.Wait <= 0 {
		opts.Wait = DefaultWait
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	h, err := l.Acquire(ctx, key, opts.Wait, opts.Lease)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(context.WithoutCancel(ctx)); rerr != nil {
			h.logger.Error("lock release failed", "key", key, "error", rerr)
		}
	}()
	fctx, cancel := context.WithTimeout(ctx, leaseBudget(opts.Lease))
	defer cancel()
	return fn(fctx)
}

// leaseBudget leaves a tenth of the lease for release and clock skew.
func leaseBudget(lease time.Duration) time.Duration {
	return lease - lease/10
}

// tryFunc makes one non-blocking attempt. ok reports a grant.
type tryFunc func(ctx context.Context) (ok bool, err error)

// waitFor retries try until it succeeds, wait elapses or ctx is done. Bus
// events shorten the wait; the ticker covers lease expiry.
func waitFor(ctx context.Context, bus syncbus.Bus, logger *slog.Logger, key string, wait, retry time.Duration, try tryFunc) error {
	ok, err := try(ctx)
	if err != nil {
		return unavailable(logger, key, err)
	}
	if ok {
		metrics.LockCounter.WithLabelValues("acquired").Inc()
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var events chan struct{}
	if bus != nil {
		ch, err := bus.Subscribe(wctx, "unlock:"+KeyPrefix+key)
		if err != nil {
			logger.Debug("unlock events unavailable, polling", "key", key, "error", err)
		} else {
			events = ch
			defer func() { _ = bus.Unsubscribe(context.Background(), "unlock:"+KeyPrefix+key, ch) }()
		}
	}

	ticker := time.NewTicker(retry)
	defer ticker.Stop()
	for {
		select {
		case <-events:
		case <-ticker.C:
		case <-wctx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.LockCounter.WithLabelValues("contended").Inc()
			logger.Warn("lock not acquired", "key", key, "wait", wait)
			return fmt.Errorf("acquire %s: %w", key, shelferrors.ErrLockNotAcquired)
		}
		ok, err := try(wctx)
		if err != nil {
			if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(err, context.Canceled) {
				continue
			}
			return unavailable(logger, key, err)
		}
		if ok {
			metrics.LockCounter.WithLabelValues("acquired").Inc()
			return nil
		}
	}
}

func unavailable(logger *slog.Logger, key string, err error) error {
	metrics.LockCounter.WithLabelValues("failed").Inc()
	logger.Error("lock backend failure", "key", key, "error", err)
	return fmt.Errorf("acquire %s: %w: %v", key, shelferrors.ErrLockUnavailable, err)
}

// Option configures a Locker.
type Option func(*config)

type config struct {
	bus    syncbus.Bus
	logger *slog.Logger
	retry  time.Duration
}

// WithBus sets the bus used to publish and receive unlock events.
func WithBus(bus syncbus.Bus) Option {
	return func(c *config) { c.bus = bus }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithRetryInterval sets how often waiters poll the backend.
func WithRetryInterval(d time.Duration) Option {
	return func(c *config) { c.retry = d }
}

func newConfig(opts []Option) config {
	c := config{retry: defaultRetryInterval}
	for _, o := range opts {
		o(&c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.bus == nil {
		c.bus = syncbus.NewInMemoryBus()
	}
	if c.retry <= 0 {
		c.retry = defaultRetryInterval
	}
	return c
}
