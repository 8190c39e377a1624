// Package metrics exposes Prometheus collectors for the harvester.
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
	apiRequestsTotal           *prometheus.CounterVec
	pagesTotal                 *prometheus.CounterVec
	daysTotal                  *prometheus.CounterVec
	artifactsTotal             *prometheus.CounterVec
	filteredTotal              *prometheus.CounterVec
	downloadDurationSeconds    *prometheus.HistogramVec
	downloadAttemptsTotal      *prometheus.CounterVec
	rateLimitDelaySeconds      prometheus.Histogram
	quotaRemaining             *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		apiRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_api_requests_total",
				Help: "Remote API requests, labeled by endpoint and result.",
			},
			[]string{"endpoint", "result"},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_metadata_pages_total",
				Help: "Metadata pages processed, labeled by result.",
			},
			[]string{"result"},
		)

		daysTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_days_total",
				Help: "Calendar days visited by the traversal, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		artifactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_artifacts_total",
				Help: "Artifacts handled, labeled by result.",
			},
			[]string{"result"},
		)

		filteredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_filtered_records_total",
				Help: "Metadata records seen by the filter, labeled by verdict.",
			},
			[]string{"verdict"},
		)

		downloadDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_download_duration_seconds",
				Help:    "Time from navigation to a finished artifact, labeled by result.",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 240},
			},
			[]string{"result"},
		)

		downloadAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_download_attempts_total",
				Help: "Browser download attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delay_seconds",
				Help:    "Histogram of pacing delays imposed before remote requests.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		quotaRemaining = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_quota_remaining",
				Help: "Remaining request quota, labeled by scope (local or remote).",
			},
			[]string{"scope"},
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

// ObserveAPIRequest counts one remote API call.
func ObserveAPIRequest(endpoint, result string) {
	Init()
	apiRequestsTotal.WithLabelValues(endpoint, result).Inc()
}

// ObservePage counts one metadata page.
func ObservePage(result string) {
	Init()
	pagesTotal.WithLabelValues(result).Inc()
}

// ObserveDay counts one traversal day outcome.
func ObserveDay(outcome string) {
	Init()
	daysTotal.WithLabelValues(outcome).Inc()
}

// ObserveArtifact counts one artifact outcome.
func ObserveArtifact(result string) {
	Init()
	artifactsTotal.WithLabelValues(result).Inc()
}

// ObserveFiltered adds n records to the filter verdict counter.
func ObserveFiltered(verdict string, n int) {
	Init()
	filteredTotal.WithLabelValues(verdict).Add(float64(n))
}

// ObserveDownload records the duration of a finished artifact download.
func ObserveDownload(result string, duration time.Duration) {
	Init()
	downloadDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveDownloadAttempt counts one browser attempt.
func ObserveDownloadAttempt(outcome string) {
	Init()
	downloadAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// SetQuotaRemaining publishes the remaining quota for scope.
func SetQuotaRemaining(scope string, remaining int) {
	Init()
	quotaRemaining.WithLabelValues(scope).Set(float64(remaining))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
