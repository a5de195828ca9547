// Package metrics exposes the Prometheus registry shared by the fetch engine.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, retry, pagination, monitor) to keep the packages independent.
//
// This package provides the HTTP handler and a reference of all metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the engine.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics registered in Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Page Request Metrics (pkg/client):
//   - fetch_page_requests_total{status} (Counter): Page requests by HTTP status
//   - fetch_page_request_duration_seconds (Histogram): Page request duration
//   - fetch_page_errors_total{class} (Counter): Errors by class (timeout, network, parse, server, rate_limit, client, auth)
//
// Retry Metrics (pkg/retry):
//   - fetch_retries_total{kind} (Counter): Retries by outcome kind (transient, rate_limited)
//   - fetch_retry_wait_seconds{kind} (Histogram): Wait before each retry
//   - fetch_retry_exhausted_total{kind} (Counter): Pages given up on, by last outcome kind
//
// Session Metrics (pkg/pagination):
//   - fetch_sessions_total{result} (Counter): Sessions by result (complete, first_page, too_many_skipped, cancelled)
//   - fetch_session_duration_seconds (Histogram): Session duration
//   - fetch_pages_skipped_total (Counter): Pages skipped
//   - fetch_inflight_pages (Gauge): Page requests in flight
//   - fetch_waves_total (Counter): Waves scheduled
//   - fetch_wave_size (Histogram): Cursors per wave
//
// Rate Limit Metrics (pkg/ratelimit):
//   - fetch_rate_limit_hits_total (Counter): 429 responses recorded
//   - fetch_rate_limit_blocks_total (Counter): Requests short-circuited by an active cooldown
//   - fetch_rate_limit_cooldown_seconds (Gauge): Remaining cooldown
//   - fetch_rate_limit_pacer_wait_seconds (Histogram): Time spent in the request pacer
//
// Cache Metrics (pkg/cache):
//   - fetch_cache_hits_total{layer="redis"} (Counter): Page cache hits
//   - fetch_cache_misses_total (Counter): Page cache misses
//   - fetch_cache_size_bytes{layer="redis"} (Gauge): Size of the last cached page
//   - fetch_cache_errors_total{operation} (Counter): Cache operation errors
//
// Process Metrics (pkg/monitor):
//   - fetch_process_rss_bytes (Gauge): Resident memory at the last report
//   - fetch_process_cpu_percent (Gauge): CPU usage at the last report
//   - fetch_process_connections (Gauge): Open connections at the last report
//   - fetch_monitor_reports_dropped_total (Counter): Progress reports dropped on a full buffer
//
// Example Prometheus Queries:
//
//   # Skipped page rate
//   rate(fetch_pages_skipped_total[5m])
//
//   # Aborted sessions
//   sum by (result) (rate(fetch_sessions_total{result!="complete"}[1h]))
//
//   # Cache Hit Rate
//   sum(rate(fetch_cache_hits_total[5m])) /
//   (sum(rate(fetch_cache_hits_total[5m])) + sum(rate(fetch_cache_misses_total[5m])))
//
//   # P95 Page Latency
//   histogram_quantile(0.95, rate(fetch_page_request_duration_seconds_bucket[5m]))
