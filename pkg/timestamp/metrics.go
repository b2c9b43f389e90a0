package timestamp

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrCorruptValue indicates a stored timestamp that is not an integer.
var ErrCorruptValue = errors.New("corrupt timestamp value")

var (
	// Reads tracks timestamp reads by source
	Reads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_timestamp_reads_total",
			Help: "Total number of page timestamp reads",
		},
		[]string{"source"}, // "cache", "redis"
	)

	// Errors tracks failed store operations
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_timestamp_errors_total",
			Help: "Total number of page timestamp store errors",
		},
		[]string{"operation"}, // "get", "bump"
	)

	// Bumps tracks bump outcomes. "stale" bumps lost against a newer stored value.
	Bumps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_timestamp_bumps_total",
			Help: "Total number of page timestamp bumps",
		},
		[]string{"result"}, // "applied", "stale"
	)
)
