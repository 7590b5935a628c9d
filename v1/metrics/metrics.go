package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RegistrationCounter counts AddBook outcomes by result label
	// (created, already_registered, lock_not_acquired, lock_unavailable,
	// invalid, error).
	RegistrationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shelf_registrations_total",
		Help: "Book registrations by outcome",
	}, []string{"result"})
	// ProgressCounter counts UpdateProgress outcomes by result label.
	ProgressCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shelf_progress_updates_total",
		Help: "Progress updates by outcome",
	}, []string{"result"})
	// LockCounter counts lock acquisitions by result (acquired, contended,
	// failed).
	LockCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shelf_lock_acquisitions_total",
		Help: "Lock acquisition attempts by result",
	}, []string{"result"})
	// LockHoldSeconds observes how long locks were held.
	LockHoldSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "shelf_lock_hold_seconds",
		Help:    "Time between lock grant and release",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	// ViewCounter counts library view lookups by result (hit, miss, bypass).
	ViewCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shelf_view_lookups_total",
		Help: "Cached library view lookups by result",
	}, []string{"result"})
	// InvalidateCounter tracks the number of per-user view invalidations.
	InvalidateCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shelf_invalidate_total",
		Help: "Total number of library view invalidations",
	})
	// AuditMismatchCounter counts cached views that disagreed with the store.
	AuditMismatchCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shelf_audit_mismatches_total",
		Help: "Cached library views found stale by the auditor",
	})
	// WatcherGauge reports the number of active change feed watchers.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shelf_watchers",
		Help: "Current number of active change feed watchers",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers shelf metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		RegistrationCounter,
		ProgressCounter,
		LockCounter,
		LockHoldSeconds,
		ViewCounter,
		InvalidateCounter,
		AuditMismatchCounter,
		WatcherGauge,
	)
}
