// Package presets assembles ready to use library stacks.
package presets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-shelf/v1/adapter"
	"github.com/mirkobrombin/go-shelf/v1/cache"
	"github.com/mirkobrombin/go-shelf/v1/config"
	"github.com/mirkobrombin/go-shelf/v1/library"
	"github.com/mirkobrombin/go-shelf/v1/lock"
	"github.com/mirkobrombin/go-shelf/v1/syncbus"
	"github.com/mirkobrombin/go-shelf/v1/validator"
	"github.com/mirkobrombin/go-shelf/v1/watchbus"
)

const (
	breakerThreshold = 5
	breakerTimeout   = 30 * time.Second
	viewEntries      = 10_000
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func (o RedisOptions) client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
}

// Stack bundles a library service with the components it runs on.
type Stack struct {
	Service *library.Service
	Views   *library.Views
	Store   adapter.Store
	Locker  lock.Locker
	Bus     syncbus.Bus
	Feed    watchbus.WatchBus
	Auditor *validator.Validator

	closers []func()
}

func (s *Stack) onClose(fn func()) { s.closers = append(s.closers, fn) }

// Close releases every resource in reverse order of creation.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// NewInMemoryStandalone creates a stack that runs entirely in-memory with no
// external dependencies. Useful for local development and tests.
func NewInMemoryStandalone(opts ...library.Option) *Stack {
	st := &Stack{}
	store := adapter.NewInMemoryStore()
	bus := syncbus.NewInMemoryBus()
	c := cache.NewInMemory[library.View](cache.WithMaxEntries[library.View](viewEntries))
	st.onClose(c.Close)
	views := library.NewViews(c)
	st.onClose(views.Close)
	feed := watchbus.NewInMemory()

	st.Store = store
	st.Bus = bus
	st.Locker = lock.NewInMemory(lock.WithBus(bus))
	st.Views = views
	st.Feed = feed
	st.Service = library.New(store, st.Locker, views, append([]library.Option{library.WithFeed(feed)}, opts...)...)
	st.Auditor = validator.New(views, st.Service, store, validator.ModeNoop, 0)
	return st
}

// NewRedis creates a stack sharing locks, views, invalidations and the change
// feed through Redis. Records live in store.
func NewRedis(store adapter.Store, ro RedisOptions, opts ...library.Option) *Stack {
	st := &Stack{Store: store}
	client := ro.client()
	st.onClose(func() { _ = client.Close() })

	bus := syncbus.NewRedisBus(client)
	st.onClose(func() { _ = bus.Close() })
	views := library.NewViews(cache.NewRedis[library.View](client, cache.GobCodec{}),
		library.WithViewBus(bus, false),
		library.WithGenerations(library.NewRedisGenerations(client)),
	)
	st.onClose(views.Close)
	feed := watchbus.NewRedisWatchBus(client)

	st.Bus = bus
	st.Locker = lock.NewRedis(client, lock.WithBus(bus))
	st.Views = views
	st.Feed = feed
	st.Service = library.New(store, st.Locker, views, append([]library.Option{library.WithFeed(feed)}, opts...)...)
	st.Auditor = validator.New(views, st.Service, store, validator.ModeNoop, 0)
	return st
}

// FromConfig builds a stack from cfg. On error every component opened so far
// is closed.
func FromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (st *Stack, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	st = &Stack{}
	built := st
	defer func() {
		if err != nil {
			built.Close()
		}
	}()

	db, err := adapter.OpenGorm(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if sqlDB, dbErr := db.DB(); dbErr == nil {
		st.onClose(func() { _ = sqlDB.Close() })
	}
	store, err := adapter.NewGormStore(db)
	if err != nil {
		return nil, err
	}
	st.Store = store

	var client *redis.Client
	if cfg.Redis.Addr != "" {
		client = RedisOptions{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}.client()
		st.onClose(func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	if st.Bus, err = st.openBus(cfg, client); err != nil {
		return nil, err
	}

	lockOpts := []lock.Option{lock.WithBus(st.Bus), lock.WithLogger(logger)}
	if cfg.Lock.Backend == "redis" {
		st.Locker = lock.NewRedis(client, lockOpts...)
	} else {
		st.Locker = lock.NewInMemory(lockOpts...)
	}

	c, err := st.openCache(cfg, client)
	if err != nil {
		return nil, err
	}
	viewOpts := []library.ViewsOption{
		library.WithViewTTL(cfg.Cache.TTL),
		library.WithMaxCachedPages(cfg.Cache.Pages),
		library.WithCacheTimeout(cfg.Cache.Timeout),
		library.WithViewLogger(logger),
	}
	if cfg.Cache.Backend == "redis" {
		// A shared cache needs shared generations; peers need no follow.
		viewOpts = append(viewOpts,
			library.WithViewBus(st.Bus, false),
			library.WithGenerations(library.NewRedisGenerations(client)),
		)
	} else {
		// Local caches must hear about writes made by other nodes.
		viewOpts = append(viewOpts, library.WithViewBus(st.Bus, cfg.Bus.Kind != "memory"))
	}
	st.Views = library.NewViews(c, viewOpts...)
	st.onClose(st.Views.Close)

	if client != nil {
		st.Feed = watchbus.NewRedisWatchBus(client)
	} else {
		st.Feed = watchbus.NewInMemory()
	}

	st.Service = library.New(store, st.Locker, st.Views,
		library.WithInitialState(cfg.Library.InitialState),
		library.WithPageSize(cfg.Library.PageSize),
		library.WithLockOptions(lock.Options{Wait: cfg.Lock.Wait, Lease: cfg.Lock.Lease}),
		library.WithLogger(logger),
		library.WithFeed(st.Feed),
	)
	st.Auditor = validator.New(st.Views, st.Service, store,
		validator.ParseMode(cfg.Audit.Mode), cfg.Audit.Interval, validator.WithLogger(logger))
	return st, nil
}

func (st *Stack) openBus(cfg *config.Config, client *redis.Client) (syncbus.Bus, error) {
	switch cfg.Bus.Kind {
	case "redis":
		bus := syncbus.NewRedisBus(client)
		st.onClose(func() { _ = bus.Close() })
		return syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerTimeout), nil
	case "nats":
		conn, err := nats.Connect(cfg.Bus.NATSURL, nats.Name("shelf"))
		if err != nil {
			return nil, fmt.Errorf("nats %s: %w", cfg.Bus.NATSURL, err)
		}
		st.onClose(conn.Close)
		return syncbus.NewCircuitBreaker(syncbus.NewNATSBus(conn), breakerThreshold, breakerTimeout), nil
	case "kafka":
		bus, err := syncbus.NewKafkaBus(splitList(cfg.Bus.KafkaBrokers), "shelf.", nil)
		if err != nil {
			return nil, fmt.Errorf("kafka %s: %w", cfg.Bus.KafkaBrokers, err)
		}
		st.onClose(bus.Close)
		return syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerTimeout), nil
	default:
		return syncbus.NewInMemoryBus(), nil
	}
}

func (st *Stack) openCache(cfg *config.Config, client *redis.Client) (cache.Cache[library.View], error) {
	switch cfg.Cache.Backend {
	case "redis":
		return cache.NewRedis[library.View](client, cache.CodecByName(cfg.Cache.Codec)), nil
	case "ristretto":
		c, err := cache.NewRistretto[library.View](viewCost, cache.WithMaxItems(int64(viewEntries*cfg.Library.PageSize)))
		if err != nil {
			return nil, err
		}
		st.onClose(c.Close)
		return c, nil
	default:
		c := cache.NewInMemory[library.View](cache.WithMaxEntries[library.View](viewEntries))
		st.onClose(c.Close)
		return c, nil
	}
}

// viewCost charges one unit per listed book so large pages weigh more.
func viewCost(v library.View) int64 {
	return int64(len(v.Items)) + 1
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
