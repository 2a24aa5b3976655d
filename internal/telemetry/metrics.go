// Package telemetry provides application-level observability for todofetch: the slog
// default logger, Prometheus metrics and OpenTelemetry tracing.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry. When the server runs
// with metrics enabled they are served on a side-channel HTTP listener started by main.go:
//
//	GET http://<host>:<TODOFETCH_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Upstream fetch counters by outcome and a fetch latency histogram
//   - Static file counters by content type
//   - Rate limiter rejections
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() rather than the raw request URL. Static files are served from
// the NoRoute handler, so all of them share the "<static>" path label; requests that handler
// answers with 404 or 405 are labelled "<no-route>".
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics: labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Fetch outcome label values for FetchRequestsTotal.
const (
	FetchOutcomeSuccess      = "success"
	FetchOutcomeRequestError = "request_error"
	FetchOutcomeDecodeError  = "decode_error"
	FetchOutcomeEncodeError  = "encode_error"
	FetchOutcomeWriteError   = "write_error"
)

// Upstream fetch metrics: recorded by the fetcher for both the CLI and /api/todo.
//
// FetchRequestsTotal is a CounterVec with label {outcome}, one of the FetchOutcome* constants.
//
// Example PromQL queries:
//   - Upstream failure ratio: sum(rate(fetch_requests_total{outcome!="success"}[5m])) / sum(rate(fetch_requests_total[5m]))
//
// FetchDuration covers request, decode and encode for one fetch.
var (
	FetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_requests_total",
			Help: "Total number of upstream fetches, by outcome.",
		},
		[]string{"outcome"},
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fetch_duration_seconds",
			Help:    "Duration of a single upstream fetch including decode and re-encode.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// StaticFilesServedTotal counts files returned by the static handler, by content type.
var StaticFilesServedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "static_files_served_total",
		Help: "Total number of static files served, by content type.",
	},
	[]string{"content_type"},
)

// RateLimitedRequestsTotal counts requests rejected with 429 by the rate limiter.
var RateLimitedRequestsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "rate_limited_requests_total",
		Help: "Total number of requests rejected by the rate limiter.",
	},
)
