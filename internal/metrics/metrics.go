// Package metrics exposes Prometheus collectors for the indexer service.
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
	fetchTotal                 *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	traversalFailuresTotal     *prometheus.CounterVec
	traversalLeavesTotal       prometheus.Counter
	discoveryTotal             *prometheus.CounterVec
	queueDequeuedTotal         prometheus.Counter
	permitsTotal               *prometheus.CounterVec
	permitsInFlight            *prometheus.GaugeVec
	quotaLimit                 *prometheus.GaugeVec
	quotaConfidence            *prometheus.GaugeVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	jobRunsTotal               *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	jobRunning                 *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_fetch_total",
				Help: "Sitemap fetches, labeled by site host and result stage (ok on success).",
			},
			[]string{"site", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_fetch_duration_seconds",
				Help:    "Histogram of logical fetch durations including redirects and retries.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"result"},
		)

		traversalFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_traversal_failures_total",
				Help: "Traversal failures grouped by stage.",
			},
			[]string{"stage"},
		)

		traversalLeavesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_traversal_leaves_total",
				Help: "Leaf URLs produced by sitemap traversals.",
			},
		)

		discoveryTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_discovery_total",
				Help: "Discovered URLs classified by reconciliation outcome.",
			},
			[]string{"outcome"},
		)

		queueDequeuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_queue_dequeued_total",
				Help: "URLs handed out by the priority queue.",
			},
		)

		permitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_permits_total",
				Help: "Permit acquisitions, labeled by api kind and result.",
			},
			[]string{"kind", "result"},
		)

		permitsInFlight = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexer_permits_in_flight",
				Help: "Permits currently held, labeled by api kind.",
			},
			[]string{"kind"},
		)

		quotaLimit = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexer_quota_daily_limit",
				Help: "Current discovered daily limit per site and api kind.",
			},
			[]string{"site", "kind"},
		)

		quotaConfidence = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexer_quota_confidence",
				Help: "Confidence in the discovered daily limit per site and api kind.",
			},
			[]string{"site", "kind"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"key"},
		)

		jobRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_job_runs_total",
				Help: "Scheduled job invocations, labeled by job and outcome.",
			},
			[]string{"job", "outcome"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_job_duration_seconds",
				Help:    "Histogram of job execution durations.",
				Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"job"},
		)

		jobRunning = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexer_job_running",
				Help: "1 while a job holds its overlap gate.",
			},
			[]string{"job"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
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

// ObserveFetch records one logical fetch. result is "ok" or the failure stage.
func ObserveFetch(rawURL, result string, duration time.Duration) {
	Init()
	fetchTotal.WithLabelValues(SanitizeSite(rawURL), result).Inc()
	fetchDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveTraversal records the stage failure counts and leaf total of one traversal.
func ObserveTraversal(failures map[string]int, leaves int) {
	Init()
	for stage, n := range failures {
		if n > 0 {
			traversalFailuresTotal.WithLabelValues(stage).Add(float64(n))
		}
	}
	if leaves > 0 {
		traversalLeavesTotal.Add(float64(leaves))
	}
}

// ObserveDiscovery adds n URLs to the given reconciliation outcome.
func ObserveDiscovery(outcome string, n int) {
	Init()
	if n > 0 {
		discoveryTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// ObserveDequeued adds n to the dequeued counter.
func ObserveDequeued(n int) {
	Init()
	if n > 0 {
		queueDequeuedTotal.Add(float64(n))
	}
}

// ObservePermit records a permit acquisition attempt.
func ObservePermit(kind, result string) {
	Init()
	permitsTotal.WithLabelValues(kind, result).Inc()
}

// IncPermitsInFlight increments the in-flight permit gauge.
func IncPermitsInFlight(kind string) {
	Init()
	permitsInFlight.WithLabelValues(kind).Inc()
}

// DecPermitsInFlight decrements the in-flight permit gauge.
func DecPermitsInFlight(kind string) {
	Init()
	permitsInFlight.WithLabelValues(kind).Dec()
}

// SetQuota publishes the current quota estimate for a site.
func SetQuota(site, kind string, limit int, confidence float64) {
	Init()
	quotaLimit.WithLabelValues(site, kind).Set(float64(limit))
	quotaConfidence.WithLabelValues(site, kind).Set(confidence)
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// ObserveJobRun records a finished job invocation.
func ObserveJobRun(job, outcome string, duration time.Duration) {
	Init()
	jobRunsTotal.WithLabelValues(job, outcome).Inc()
	if duration > 0 {
		jobDurationSeconds.WithLabelValues(job).Observe(duration.Seconds())
	}
}

// SetJobRunning flips the running gauge for a job.
func SetJobRunning(job string, running bool) {
	Init()
	v := 0.0
	if running {
		v = 1
	}
	jobRunning.WithLabelValues(job).Set(v)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
