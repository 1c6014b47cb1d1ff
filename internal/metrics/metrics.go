// Package metrics exposes Prometheus collectors for the sitemap indexer.
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
	sitemapFetchesTotal           *prometheus.CounterVec
	sitemapEntriesTotal           *prometheus.CounterVec
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerPageDurationSeconds    *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	sitemapRunsTotal              *prometheus.CounterVec
	sitemapRunDurationSeconds     *prometheus.HistogramVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sitemapFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitemap_fetches_total",
				Help: "Total number of robots.txt and sitemap fetch attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		sitemapEntriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitemap_entries_total",
				Help: "Total number of page entries discovered in sitemaps, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages rendered, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerPageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_page_duration_seconds",
				Help:    "Histogram of page visit durations, labeled by status.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"status"},
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

		sitemapRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitemap_runs_total",
				Help: "Total number of sitemap runs processed, labeled by status.",
			},
			[]string{"status"},
		)

		sitemapRunDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitemap_run_duration_seconds",
				Help:    "Histogram of end-to-end sitemap run durations, labeled by status.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
			},
			[]string{"status"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of dispatch workers currently processing a site.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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
	return promhttp.Handler()
}

// ObserveSitemapFetch counts one fetch attempt for a robots.txt or sitemap document.
func ObserveSitemapFetch(site string, outcome string) {
	if sitemapFetchesTotal == nil {
		return
	}
	sitemapFetchesTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
}

// ObserveSitemapEntries adds the number of page entries parsed from a sitemap.
func ObserveSitemapEntries(site string, count int) {
	if sitemapEntriesTotal == nil || count <= 0 {
		return
	}
	sitemapEntriesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(count))
}

// ObservePage records one rendered page.
func ObservePage(site string, status string, duration time.Duration) {
	if crawlerPagesTotal == nil {
		return
	}
	crawlerPagesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
	crawlerPageDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRun records a finished sitemap run.
func ObserveRun(status string, duration time.Duration) {
	if sitemapRunsTotal == nil {
		return
	}
	sitemapRunsTotal.WithLabelValues(status).Inc()
	sitemapRunDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if crawlerActiveWorkers != nil {
		crawlerActiveWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if crawlerActiveWorkers != nil {
		crawlerActiveWorkers.Dec()
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if crawlerRateLimitDelaysSeconds == nil {
		return
	}
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
