// Package metrics exposes Prometheus collectors for the spider.
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
	spiderPagesTotal            *prometheus.CounterVec
	spiderBytesTotal            *prometheus.CounterVec
	spiderFetchDurationSeconds  *prometheus.HistogramVec
	spiderFrontierSize          prometheus.Gauge
	spiderActiveWorkers         prometheus.Gauge
	spiderPolitenessWaitSeconds *prometheus.HistogramVec
	spiderRunsTotal             *prometheus.CounterVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		spiderPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_pages_total",
				Help: "Total number of pages processed, labeled by host and outcome.",
			},
			[]string{"host", "outcome"},
		)

		spiderBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_bytes_total",
				Help: "Total number of body bytes fetched, labeled by host.",
			},
			[]string{"host"},
		)

		spiderFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spider_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by host.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"host"},
		)

		spiderFrontierSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "spider_frontier_size",
				Help: "Number of entries currently queued in the frontier.",
			},
		)

		spiderActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "spider_active_workers",
				Help: "Number of workers currently processing a page.",
			},
		)

		spiderPolitenessWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spider_politeness_wait_seconds",
				Help:    "Histogram of per-host politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		spiderRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_runs_total",
				Help: "Total number of crawl runs, labeled by discovery mode.",
			},
			[]string{"mode"},
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

// SanitizeHost sanitizes a URL or host to a lowercase hostname.
// It returns "unknown" if the input is invalid.
func SanitizeHost(raw string) string {
	if !strings.HasPrefix(raw, "http") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one processed page.
func ObservePage(host, outcome string, bodyBytes int, duration time.Duration) {
	h := SanitizeHost(host)
	spiderPagesTotal.WithLabelValues(h, outcome).Inc()
	if bodyBytes > 0 {
		spiderBytesTotal.WithLabelValues(h).Add(float64(bodyBytes))
	}
	if duration > 0 {
		spiderFetchDurationSeconds.WithLabelValues(h).Observe(duration.Seconds())
	}
}

// SetFrontierSize updates the frontier depth gauge.
func SetFrontierSize(n int) {
	spiderFrontierSize.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	spiderActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	spiderActiveWorkers.Dec()
}

// ObservePolitenessWait records the duration of one rate limit wait.
func ObservePolitenessWait(host string, duration time.Duration) {
	spiderPolitenessWaitSeconds.WithLabelValues(SanitizeHost(host)).Observe(duration.Seconds())
}

// ObserveRun counts a finished crawl run by discovery mode.
func ObserveRun(mode string) {
	spiderRunsTotal.WithLabelValues(mode).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
