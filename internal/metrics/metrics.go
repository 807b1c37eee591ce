// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ingestFetchesTotal         *prometheus.CounterVec
	ingestRunsTotal            *prometheus.CounterVec
	ingestQueueDepth           *prometheus.GaugeVec
	ingestCooldownWaitSeconds  prometheus.Histogram
	ingestRunDurationSeconds   prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetches_total",
				Help: "Total fetch attempts, labeled by platform and outcome.",
			},
			[]string{"platform", "outcome"},
		)

		ingestRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_runs_total",
				Help: "Total batch runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		ingestQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_queue_depth",
				Help: "Number of queued fetch requests, labeled by status.",
			},
			[]string{"status"},
		)

		ingestCooldownWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_cooldown_wait_seconds",
				Help:    "Histogram of cooldown waits between live provider calls.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
		)

		ingestRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_run_duration_seconds",
				Help:    "Histogram of batch run durations.",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch increments the fetch counter for the given outcome.
func ObserveFetch(platform, outcome string) {
	ingestFetchesTotal.WithLabelValues(platform, outcome).Inc()
}

// ObserveRun records the outcome and duration of one batch run.
func ObserveRun(outcome string, duration time.Duration) {
	ingestRunsTotal.WithLabelValues(outcome).Inc()
	ingestRunDurationSeconds.Observe(duration.Seconds())
}

// SetQueueDepth updates the depth gauge for a status.
func SetQueueDepth(status string, depth int64) {
	ingestQueueDepth.WithLabelValues(status).Set(float64(depth))
}

// ObserveCooldownWait records one cooldown wait.
func ObserveCooldownWait(d time.Duration) {
	ingestCooldownWaitSeconds.Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
