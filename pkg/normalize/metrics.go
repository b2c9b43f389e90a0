package normalize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Decisions tracks normalization outcomes by action and reason
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_normalize_decisions_total",
			Help: "Total number of request normalization decisions",
		},
		[]string{"action", "reason"}, // "proceed", "redirect", "fail", "bypass"
	)

	// TimestampUnavailable tracks requests that proceeded without an authoritative timestamp
	TimestampUnavailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_normalize_timestamp_unavailable_total",
			Help: "Total number of timestamp pages normalized without a timestamp",
		},
		[]string{"reason"}, // "no-entity-id", "store-error"
	)
)
