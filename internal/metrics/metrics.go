// Package metrics exposes Prometheus collectors for the crawler engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchBytesTotal            *prometheus.CounterVec
	guardTripsTotal            *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	phaseDurationSeconds       *prometheus.HistogramVec
	actionsTotal               *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// multiple times; every Observe helper calls it.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_attempts_total",
				Help: "Fetch attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_retries_total",
				Help: "Retries scheduled by the retry policy, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Latency of individual fetch attempts.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_bytes_total",
				Help: "Response bytes received, labeled by site.",
			},
			[]string{"site"},
		)

		guardTripsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_resource_guard_trips_total",
				Help: "Requests refused by a resource guard, labeled by guard (memory, size).",
			},
			[]string{"guard"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Crawl jobs finished, labeled by final state.",
			},
			[]string{"state"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently running a crawl job.",
			},
		)

		phaseDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_pipeline_phase_duration_seconds",
				Help:    "Duration of pipeline phases, labeled by phase and status.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"phase", "status"},
		)

		actionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_service_actions_total",
				Help: "Service requests handled, labeled by action and success.",
			},
			[]string{"action", "success"},
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

// SanitizeSite extracts a lowercase hostname from a URL so label cardinality
// stays bounded by host. It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(rawURL, outcome string, duration time.Duration, bytesFetched int) {
	Init()
	site := SanitizeSite(rawURL)
	fetchAttemptsTotal.WithLabelValues(site, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveRetry counts a scheduled retry.
func ObserveRetry(rawURL string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveGuardTrip counts a request refused by the memory or size guard.
func ObserveGuardTrip(guard string) {
	Init()
	guardTripsTotal.WithLabelValues(guard).Inc()
}

// ObserveRateLimitDelay records the duration of a per-host rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given final state.
func ObserveJob(state string) {
	Init()
	jobsTotal.WithLabelValues(state).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObservePhase records how long a pipeline phase ran.
func ObservePhase(phase, status string, duration time.Duration) {
	Init()
	phaseDurationSeconds.WithLabelValues(phase, status).Observe(duration.Seconds())
}

// ObserveAction counts a handled service request.
func ObserveAction(action string, success bool) {
	Init()
	actionsTotal.WithLabelValues(action, strconv.FormatBool(success)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
