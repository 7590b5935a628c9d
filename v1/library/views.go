package library

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mirkobrombin/go-shelf/v1/cache"
	"github.com/mirkobrombin/go-shelf/v1/metrics"
	"github.com/mirkobrombin/go-shelf/v1/syncbus"
)

// Views caches rendered library pages per user, state and page number.
//
// Every cache failure is logged and absorbed. Views are keyed by the user's
// generation; InvalidateUser bumps it, evicts what it can and notifies peers
// on the bus. When the bump itself fails the user's views are bypassed until
// a later bump succeeds or the TTL has passed.
type Views struct {
	cache    cache.Cache[View]
	gens     Generations
	bus      syncbus.Bus
	logger   *slog.Logger
	ttl      time.Duration
	maxPages int
	timeout  time.Duration
	follow   bool

	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	following map[int64]context.CancelFunc

	bypassMu sync.Mutex
	bypass   map[int64]time.Time
}

// ViewsOption configures Views.
type ViewsOption func(*Views)

// WithViewTTL sets the expiry of cached views. Default one hour.
func WithViewTTL(d time.Duration) ViewsOption {
	return func(v *Views) {
		if d > 0 {
			v.ttl = d
		}
	}
}

// WithMaxCachedPages sets how many leading pages are cached per state.
// Deeper pages always read the store.
func WithMaxCachedPages(n int) ViewsOption {
	return func(v *Views) {
		if n > 0 {
			v.maxPages = n
		}
	}
}

// WithCacheTimeout bounds each cache call. Default cache.DefaultTimeout.
func WithCacheTimeout(d time.Duration) ViewsOption {
	return func(v *Views) { v.timeout = d }
}

// WithViewBus publishes invalidations on bus. With follow set, Put also
// subscribes to the user's topic so invalidations from peers evict the
// local copies.
func WithViewBus(bus syncbus.Bus, follow bool) ViewsOption {
	return func(v *Views) {
		v.bus = bus
		v.follow = follow
	}
}

// WithGenerations sets where generations are kept. Nodes sharing a cache
// must share generations too. Default is a per-process counter.
func WithGenerations(g Generations) ViewsOption {
	return func(v *Views) { v.gens = g }
}

// WithViewLogger sets the logger used for absorbed failures.
func WithViewLogger(l *slog.Logger) ViewsOption {
	return func(v *Views) { v.logger = l }
}

// NewViews wraps c so that failures read as misses. Call Close to stop
// following peers.
func NewViews(c cache.Cache[View], opts ...ViewsOption) *Views {
	v := &Views{
		ttl:       DefaultCacheTTL,
		maxPages:  DefaultMaxCachedPages,
		timeout:   cache.DefaultTimeout,
		following: make(map[int64]context.CancelFunc),
		bypass:    make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	if v.gens == nil {
		v.gens = newLocalGenerations()
	}
	v.cache = cache.NewResilient[View](c, cache.WithTimeout(v.timeout), cache.WithLogger(v.logger))
	v.ctx, v.cancel = context.WithCancel(context.Background())
	return v
}

// ViewKey returns the cache key of one page at generation gen, e.g.
// "shelf:library:42:g3:IN_PROGRESS:p1".
func ViewKey(userID int64, gen uint64, state State, page int) string {
	return fmt.Sprintf("shelf:library:%d:g%d:%s:p%d", userID, gen, state, page)
}

// Topic returns the bus topic carrying invalidations for userID.
func Topic(userID int64) string {
	return fmt.Sprintf("library:%d", userID)
}

// Cacheable reports whether page is within the cached range.
func (v *Views) Cacheable(page int) bool {
	return page >= 1 && page <= v.maxPages
}

func (v *Views) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if v.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, v.timeout)
}

// Generation returns the current generation of userID. ok is false when the
// user's views must not be cached or served: the generation could not be
// read, or an earlier bump failed and has not been retried successfully.
func (v *Views) Generation(ctx context.Context, userID int64) (gen uint64, ok bool) {
	if v.bypassed(ctx, userID) {
		return 0, false
	}
	bctx, cancel := v.bound(ctx)
	defer cancel()
	gen, err := v.gens.Current(bctx, userID)
	if err != nil {
		v.logger.Warn("read view generation failed, bypassing cache", "user", userID, "error", err)
		return 0, false
	}
	return gen, true
}

// Get returns the cached view, if any.
func (v *Views) Get(ctx context.Context, userID int64, state State, page int) (View, bool) {
	if !v.Cacheable(page) {
		metrics.ViewCounter.WithLabelValues("bypass").Inc()
		return View{}, false
	}
	gen, ok := v.Generation(ctx, userID)
	if !ok {
		metrics.ViewCounter.WithLabelValues("bypass").Inc()
		return View{}, false
	}
	return v.GetAt(ctx, userID, gen, state, page)
}

// GetAt returns the view cached under generation gen, if any.
func (v *Views) GetAt(ctx context.Context, userID int64, gen uint64, state State, page int) (View, bool) {
	if !v.Cacheable(page) {
		metrics.ViewCounter.WithLabelValues("bypass").Inc()
		return View{}, false
	}
	view, ok, _ := v.cache.Get(ctx, ViewKey(userID, gen, state, page))
	if !ok {
		metrics.ViewCounter.WithLabelValues("miss").Inc()
		return View{}, false
	}
	metrics.ViewCounter.WithLabelValues("hit").Inc()
	return view, true
}

// Put stores view under the current generation. Pages outside the cached
// range are ignored.
func (v *Views) Put(ctx context.Context, userID int64, state State, page int, view View) {
	if !v.Cacheable(page) {
		return
	}
	gen, ok := v.Generation(ctx, userID)
	if !ok {
		return
	}
	v.PutIfCurrent(ctx, userID, state, page, gen, view)
}

// PutIfCurrent stores view under generation gen, read before the view was
// loaded. If userID was evicted since, the view lands under a retired key
// that no reader looks up and it simply expires.
func (v *Views) PutIfCurrent(ctx context.Context, userID int64, state State, page int, gen uint64, view View) {
	if !v.Cacheable(page) || v.bypassed(ctx, userID) {
		return
	}
	_ = v.cache.Set(ctx, ViewKey(userID, gen, state, page), view, v.ttl)
	v.followIfEnabled(userID)
}

func (v *Views) followIfEnabled(userID int64) {
	if !v.follow || v.bus == nil {
		return
	}
	if err := v.Follow(userID); err != nil {
		v.logger.Warn("follow invalidations failed", "user", userID, "error", err)
	}
}

// InvalidateUser retires every cached view of userID and tells peers to do
// the same.
func (v *Views) InvalidateUser(ctx context.Context, userID int64) {
	v.evict(ctx, userID)
	metrics.InvalidateCounter.Inc()
	if v.bus == nil {
		return
	}
	if err := v.bus.Publish(ctx, Topic(userID)); err != nil {
		v.logger.Warn("publish invalidation failed", "user", userID, "error", err)
	}
}

func (v *Views) evict(ctx context.Context, userID int64) {
	bctx, cancel := v.bound(ctx)
	old, err := v.gens.Current(bctx, userID)
	cancel()
	if bumpErr := v.bump(ctx, userID); bumpErr != nil {
		v.logger.Warn("bump view generation failed, bypassing cache", "user", userID, "error", bumpErr)
		v.bypassMu.Lock()
		v.bypass[userID] = time.Now().Add(v.ttl)
		v.bypassMu.Unlock()
	}
	if err != nil {
		return
	}
	// Retired keys are unreachable already; deleting them only frees space.
	for _, s := range []State{Planned, InProgress, Completed, Archived} {
		for p := 1; p <= v.maxPages; p++ {
			_ = v.cache.Invalidate(ctx, ViewKey(userID, old, s, p))
		}
	}
}

func (v *Views) bump(ctx context.Context, userID int64) error {
	bctx, cancel := v.bound(ctx)
	defer cancel()
	return v.gens.Bump(bctx, userID)
}

// bypassed reports whether userID is skipping the cache after a failed bump.
// Each call retries the bump; once it lands every older view is unreachable
// and the bypass ends.
func (v *Views) bypassed(ctx context.Context, userID int64) bool {
	v.bypassMu.Lock()
	until, ok := v.bypass[userID]
	v.bypassMu.Unlock()
	if !ok {
		return false
	}
	if time.Now().Before(until) && v.bump(ctx, userID) != nil {
		return true
	}
	v.bypassMu.Lock()
	delete(v.bypass, userID)
	v.bypassMu.Unlock()
	return false
}

// Follow subscribes to invalidations of userID published by peers. It is a
// no-op if already following or no bus is configured.
func (v *Views) Follow(userID int64) error {
	if v.bus == nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.following[userID]; ok {
		return nil
	}
	if err := v.ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(v.ctx)
	ch, err := v.bus.Subscribe(ctx, Topic(userID))
	if err != nil {
		cancel()
		return err
	}
	v.following[userID] = cancel
	go func() {
		defer func() { _ = v.bus.Unsubscribe(context.Background(), Topic(userID), ch) }()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				v.evict(context.Background(), userID)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close stops all followers.
func (v *Views) Close() {
	v.cancel()
	v.mu.Lock()
	for id, cancel := range v.following {
		cancel()
		delete(v.following, id)
	}
	v.mu.Unlock()
}
