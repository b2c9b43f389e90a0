package rendercache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_render_cache_hits_total",
			Help: "Total number of render cache hits",
		},
		[]string{"layer"}, // "redis", "og"
	)

	// CacheMisses tracks cache misses by layer
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_render_cache_misses_total",
			Help: "Total number of render cache misses",
		},
		[]string{"layer"},
	)

	// EvictedKeys tracks keys removed by evict and purge
	EvictedKeys = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_render_cache_evicted_keys_total",
			Help: "Total number of cache keys removed by eviction or purge",
		},
		[]string{"layer"},
	)

	// NotModifiedResponses tracks 304 Not Modified responses served from cache
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagecache_render_cache_not_modified_total",
			Help: "Total number of 304 Not Modified responses served from cache",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_render_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "evict", "purge"
	)
)
