// Package metrics exposes Prometheus collectors for the sitemapwatch service.
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
	scansTotal                  *prometheus.CounterVec
	changesTotal                *prometheus.CounterVec
	sitemapFetchTotal           *prometheus.CounterVec
	sitemapFetchDurationSeconds prometheus.Histogram
	activeScans                 prometheus.Gauge
	notificationsTotal          *prometheus.CounterVec
	rateLimitDelaySeconds       *prometheus.HistogramVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	discoveredSitemapsTotal     prometheus.Counter
	reapedScansTotal            prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scansTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitemapwatch_scans_total",
				Help: "Total number of scans that reached a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		changesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitemapwatch_changes_total",
				Help: "Total number of URL changes recorded, labeled by type.",
			},
			[]string{"type"},
		)

		sitemapFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitemapwatch_sitemap_fetch_total",
				Help: "Total number of sitemap fetches, labeled by response class.",
			},
			[]string{"class"},
		)

		sitemapFetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sitemapwatch_sitemap_fetch_duration_seconds",
				Help:    "Histogram of sitemap fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		activeScans = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitemapwatch_active_scans",
				Help: "Number of scans currently executing in this process.",
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitemapwatch_notifications_total",
				Help: "Total number of notification deliveries, labeled by channel and outcome.",
			},
			[]string{"channel", "outcome"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitemapwatch_rate_limit_delay_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
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

		discoveredSitemapsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sitemapwatch_discovered_sitemaps_total",
				Help: "Total number of new sitemap rows created by discovery.",
			},
		)

		reapedScansTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sitemapwatch_reaped_scans_total",
				Help: "Total number of stale scans forced to failed by the reaper.",
			},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// StatusClass buckets an HTTP status code for the fetch counter. Zero means a network error.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return "error"
	case code == http.StatusNotModified:
		return "304"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScan increments the scan counter for a terminal status.
func ObserveScan(status string) {
	Init()
	scansTotal.WithLabelValues(status).Inc()
}

// ObserveChange increments the change counter.
func ObserveChange(changeType string) {
	Init()
	changesTotal.WithLabelValues(changeType).Inc()
}

// ObserveSitemapFetch records one sitemap fetch and its latency.
func ObserveSitemapFetch(code int, duration time.Duration) {
	Init()
	sitemapFetchTotal.WithLabelValues(StatusClass(code)).Inc()
	sitemapFetchDurationSeconds.Observe(duration.Seconds())
}

// IncActiveScans increments the active scans gauge.
func IncActiveScans() {
	Init()
	activeScans.Inc()
}

// DecActiveScans decrements the active scans gauge.
func DecActiveScans() {
	Init()
	activeScans.Dec()
}

// ObserveNotification counts a delivery attempt.
func ObserveNotification(channel, outcome string) {
	Init()
	notificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveDiscoveredSitemaps adds newly persisted sitemap rows.
func ObserveDiscoveredSitemaps(n int) {
	if n <= 0 {
		return
	}
	Init()
	discoveredSitemapsTotal.Add(float64(n))
}

// ObserveReapedScan counts a scan forced to failed by the reaper.
func ObserveReapedScan() {
	Init()
	reapedScansTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
