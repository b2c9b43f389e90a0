package invalidation

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrRunInProgress is returned by RunOnce while another run holds the guard.
	ErrRunInProgress = errors.New("invalidation run already in progress")

	// ErrRetryExhausted wraps the last error of an operation that failed on every attempt.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrInvalidRef is returned for page refs that cannot be invalidated.
	ErrInvalidRef = errors.New("invalid page reference")
)

var (
	// Runs tracks scheduled run outcomes
	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_invalidation_runs_total",
			Help: "Total number of scheduled invalidation runs",
		},
		[]string{"result"}, // "ok", "partial", "purged", "error", "skipped"
	)

	// ChangedPages observes the deduplicated page count of each run
	ChangedPages = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagecache_invalidation_changed_pages",
			Help:    "Distinct pages invalidated per scheduled run",
			Buckets: []float64{0, 1, 5, 25, 100, 500, 2500},
		},
	)

	// BatchFailures counts timestamp batches that failed after all retries
	BatchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagecache_invalidation_batch_failures_total",
			Help: "Total number of timestamp update batches deferred after exhausting retries",
		},
	)

	// Retries counts repeated attempts after a failure
	Retries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagecache_invalidation_retries_total",
			Help: "Total number of retried timestamp batch writes",
		},
	)

	// Purges counts full cache purges by trigger
	Purges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_purges_total",
			Help: "Total number of full render cache purges",
		},
		[]string{"trigger"}, // "admin", "overload"
	)

	// Invalidations counts explicit page invalidations by mode
	Invalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_invalidation_requests_total",
			Help: "Total number of explicit page invalidation requests",
		},
		[]string{"mode"}, // "immediate", "deferred"
	)
)
