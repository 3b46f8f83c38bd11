// Package metrics exposes Prometheus collectors for the mention monitor.
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
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	activeWorkers              *prometheus.GaugeVec
	candidatesTotal            *prometheus.CounterVec
	mentionsTotal              *prometheus.CounterVec
	renderTotal                *prometheus.CounterVec
	tokenRefreshTotal          *prometheus.CounterVec
	analysisFallbackTotal      *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; every Observe helper
// calls it before touching a collector.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_jobs_total",
				Help: "Total number of jobs processed, labeled by lane and status.",
			},
			[]string{"lane", "status"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monitor_job_duration_seconds",
				Help:    "Histogram of job handler durations, labeled by lane.",
				Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300},
			},
			[]string{"lane"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "monitor_active_workers",
				Help: "Number of workers currently processing a job, labeled by lane.",
			},
			[]string{"lane"},
		)

		candidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_candidates_total",
				Help: "Candidates extracted from search pages, labeled by the selector that matched.",
			},
			[]string{"selector"},
		)

		mentionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_mentions_total",
				Help: "Enrichment outcomes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		renderTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_render_total",
				Help: "Headless render attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		tokenRefreshTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_token_refresh_total",
				Help: "OAuth refresh attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		analysisFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_analysis_fallback_total",
				Help: "Analyses replaced by the default result, labeled by reason.",
			},
			[]string{"reason"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monitor_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"origin"},
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

// SanitizeOrigin reduces a URL to its lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeOrigin(rawURL string) string {
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

// ObserveJob records a finished job on a lane.
func ObserveJob(lane, status string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(lane, status).Inc()
	jobDurationSeconds.WithLabelValues(lane).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge for a lane.
func IncActiveWorkers(lane string) {
	Init()
	activeWorkers.WithLabelValues(lane).Inc()
}

// DecActiveWorkers decrements the active workers gauge for a lane.
func DecActiveWorkers(lane string) {
	Init()
	activeWorkers.WithLabelValues(lane).Dec()
}

// ObserveCandidates adds n extracted candidates for the selector that matched.
func ObserveCandidates(selector string, n int) {
	Init()
	if n > 0 {
		candidatesTotal.WithLabelValues(selector).Add(float64(n))
	}
}

// ObserveMention records one enrichment outcome.
func ObserveMention(outcome string) {
	Init()
	mentionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRender records one render attempt.
func ObserveRender(outcome string) {
	Init()
	renderTotal.WithLabelValues(outcome).Inc()
}

// ObserveTokenRefresh records one refresh attempt.
func ObserveTokenRefresh(outcome string) {
	Init()
	tokenRefreshTotal.WithLabelValues(outcome).Inc()
}

// ObserveAnalysisFallback records a default analysis substitution.
func ObserveAnalysisFallback(reason string) {
	Init()
	analysisFallbackTotal.WithLabelValues(reason).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(origin string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(origin).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
