// Package validator audits cached library views against the store.
//
// A Validator periodically picks recently active users, renders the first
// page of each state from the store and compares it with the cached copy.
// Disagreements are counted and logged; in ModeAutoHeal the user's views are
// also evicted.
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-shelf/v1/library"
	"github.com/mirkobrombin/go-shelf/v1/metrics"
	"github.com/mirkobrombin/go-shelf/v1/model"
)

// Mode defines validator behaviour.
type Mode int

const (
	ModeNoop Mode = iota
	ModeAlert
	ModeAutoHeal
)

// ParseMode maps "noop", "alert" and "autoheal" to a Mode.
func ParseMode(s string) Mode {
	switch s {
	case "alert":
		return ModeAlert
	case "autoheal", "auto-heal":
		return ModeAutoHeal
	default:
		return ModeNoop
	}
}

// Renderer renders a view from the store without caching it.
type Renderer interface {
	Fresh(ctx context.Context, userID int64, state model.State, page int) (library.View, error)
}

// ViewCache is the part of library.Views the validator needs.
type ViewCache interface {
	Get(ctx context.Context, userID int64, state model.State, page int) (library.View, bool)
	Generation(ctx context.Context, userID int64) (uint64, bool)
	InvalidateUser(ctx context.Context, userID int64)
}

// UserSource lists users whose library changed recently.
type UserSource interface {
	ActiveUsers(ctx context.Context, since time.Time, limit int) ([]int64, error)
}

// Validator periodically compares cached views with the store.
type Validator struct {
	views      ViewCache
	render     Renderer
	users      UserSource
	mode       Mode
	interval   time.Duration
	lookback   time.Duration
	batch      int
	logger     *slog.Logger
	mismatches atomic.Uint64
	scans      atomic.Uint64
}

// Option configures a Validator.
type Option func(*Validator)

// WithLookback sets how far back a user must have been active to be
// audited. Default one hour.
func WithLookback(d time.Duration) Option {
	return func(v *Validator) { v.lookback = d }
}

// WithBatch caps the number of users audited per scan. Default 100.
func WithBatch(n int) Option {
	return func(v *Validator) { v.batch = n }
}

// WithLogger sets the logger for mismatch reports.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New creates a new Validator.
func New(views ViewCache, render Renderer, users UserSource, mode Mode, interval time.Duration, opts ...Option) *Validator {
	v := &Validator{
		views:    views,
		render:   render,
		users:    users,
		mode:     mode,
		interval: interval,
		lookback: time.Hour,
		batch:    100,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v
}

// Run starts the validation loop. It returns when ctx is done.
func (v *Validator) Run(ctx context.Context) {
	if v.mode == ModeNoop || v.interval <= 0 {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Scan(ctx)
		}
	}
}

// Scan audits the cached first pages of recently active users once and
// returns the number of stale views found.
func (v *Validator) Scan(ctx context.Context) int {
	v.scans.Add(1)
	users, err := v.users.ActiveUsers(ctx, time.Now().Add(-v.lookback), v.batch)
	if err != nil {
		v.logger.Warn("audit: list active users failed", "error", err)
		return 0
	}
	found := 0
	for _, uid := range users {
		if ctx.Err() != nil {
			break
		}
		if v.auditUser(ctx, uid) {
			found++
		}
	}
	return found
}

func (v *Validator) auditUser(ctx context.Context, userID int64) bool {
	for _, state := range model.States() {
		gen, ok := v.views.Generation(ctx, userID)
		if !ok {
			return false
		}
		cached, ok := v.views.Get(ctx, userID, state, 1)
		if !ok {
			continue
		}
		fresh, err := v.render.Fresh(ctx, userID, state, 1)
		if err != nil {
			v.logger.Warn("audit: render failed", "user", userID, "state", state, "error", err)
			return false
		}
		// A mutation in between makes the comparison meaningless.
		if now, ok := v.views.Generation(ctx, userID); !ok || now != gen || digest(cached) == digest(fresh) {
			continue
		}
		v.mismatches.Add(1)
		metrics.AuditMismatchCounter.Inc()
		v.logger.Warn("audit: cached view differs from store", "user", userID, "state", state, "mode", v.mode)
		if v.mode == ModeAutoHeal {
			v.views.InvalidateUser(ctx, userID)
		}
		return true
	}
	return false
}

// Metrics returns number of mismatches detected.
func (v *Validator) Metrics() uint64 {
	return v.mismatches.Load()
}

// Scans returns the number of completed scan passes.
func (v *Validator) Scans() uint64 {
	return v.scans.Load()
}

func digest(view library.View) string {
	data, err := json.Marshal(view)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
