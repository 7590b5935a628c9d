package library

import (
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-shelf/v1/lock"
	"github.com/mirkobrombin/go-shelf/v1/watchbus"
)

const (
	DefaultPageSize       = 10
	DefaultMaxCachedPages = 3
	DefaultCacheTTL       = time.Hour
	DefaultUpdateAttempts = 3
)

type options struct {
	initialState   State
	pageSize       int
	lock           lock.Options
	logger         *slog.Logger
	feed           watchbus.WatchBus
	updateAttempts int
}

func defaultOptions() options {
	return options{
		initialState:   Planned,
		pageSize:       DefaultPageSize,
		lock:           lock.DefaultOptions(),
		updateAttempts: DefaultUpdateAttempts,
	}
}

// Option configures a Service.
type Option func(*options)

// WithInitialState sets the state of newly registered entries. Invalid
// states are ignored.
func WithInitialState(s State) Option {
	return func(o *options) {
		if s.Valid() {
			o.initialState = s
		}
	}
}

// WithPageSize sets the number of items per list page.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithLockOptions sets the wait and lease used for registration locks.
func WithLockOptions(lo lock.Options) Option {
	return func(o *options) { o.lock = lo }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithFeed publishes a watchbus.Event after every successful mutation.
func WithFeed(feed watchbus.WatchBus) Option {
	return func(o *options) { o.feed = feed }
}

// WithUpdateAttempts bounds UpdateProgressWithRetry.
func WithUpdateAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.updateAttempts = n
		}
	}
}
