// Package metrics exposes the Prometheus metrics of the page cache.
// All metrics are defined in their respective packages (normalize, timestamp,
// invalidation, rendercache, origin) and registered via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every package registers its metrics with.
var Registry = prometheus.DefaultRegisterer

// Handler serves all registered metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Normalization (pkg/normalize):
//   - pagecache_normalize_decisions_total{action, reason} (Counter): proceed/redirect/fail decisions
//   - pagecache_normalize_timestamp_unavailable_total{reason} (Counter): requests served without a timestamp
//
// Page timestamps (pkg/timestamp):
//   - pagecache_timestamp_reads_total{source} (Counter): reads served by the local cache or Redis
//   - pagecache_timestamp_errors_total{operation} (Counter): failed store operations
//   - pagecache_timestamp_bumps_total{result} (Counter): applied and stale bumps
//
// Invalidation (pkg/invalidation):
//   - pagecache_invalidation_runs_total{result} (Counter): ok, partial, purged, error, skipped
//   - pagecache_invalidation_changed_pages (Histogram): distinct pages per run
//   - pagecache_invalidation_batch_failures_total (Counter): batches deferred after retries
//   - pagecache_invalidation_retries_total (Counter): retried batch writes
//   - pagecache_invalidation_requests_total{mode} (Counter): explicit invalidations
//   - pagecache_purges_total{trigger} (Counter): full purges by admin or overload
//
// Render cache (pkg/rendercache):
//   - pagecache_render_cache_hits_total{layer} (Counter)
//   - pagecache_render_cache_misses_total{layer} (Counter)
//   - pagecache_render_cache_evicted_keys_total{layer} (Counter)
//   - pagecache_render_cache_not_modified_total (Counter): 304 responses from cache
//   - pagecache_render_cache_errors_total{operation} (Counter)
//
// Origin (pkg/origin):
//   - pagecache_origin_requests_total{status} (Counter)
//   - pagecache_origin_request_duration_seconds (Histogram)
//   - pagecache_origin_errors_total{class} (Counter)
//   - pagecache_origin_retries_total{error_class} (Counter)
//
// Example Prometheus Queries:
//
//   # Render cache hit rate
//   sum(rate(pagecache_render_cache_hits_total[5m])) /
//   (sum(rate(pagecache_render_cache_hits_total[5m])) + sum(rate(pagecache_render_cache_misses_total[5m])))
//
//   # Canonical redirects by reason
//   sum by (reason) (rate(pagecache_normalize_decisions_total{action="redirect"}[5m]))
//
//   # Overload purges per day
//   increase(pagecache_purges_total{trigger="overload"}[1d])
//
//   # P95 render latency
//   histogram_quantile(0.95, rate(pagecache_origin_request_duration_seconds_bucket[5m]))
