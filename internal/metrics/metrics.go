// Package metrics exposes Prometheus collectors for the render service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	renderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_requests_total",
			Help: "Total number of render requests, labeled by format and outcome.",
		},
		[]string{"format", "outcome"},
	)

	renderDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "render_duration_seconds",
			Help:    "Histogram of render latencies, labeled by format.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"format"},
	)

	renderBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_bytes_total",
			Help: "Total number of image bytes produced, labeled by format.",
		},
		[]string{"format"},
	)

	renderInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "render_inflight",
			Help: "Number of renders currently holding a page session.",
		},
	)

	browserLaunchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browser_launches_total",
			Help: "Total number of browser launch attempts, labeled by result.",
		},
		[]string{"result"},
	)

	browserRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "browser_running",
			Help: "1 while the shared browser process is up.",
		},
	)

	// Unlabeled: hosts come from client input.
	rateLimitDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "render_rate_limit_delay_seconds",
			Help:    "Histogram of per-host rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
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
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
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

// ObserveRender records the outcome of one render request.
func ObserveRender(format, outcome string, bytes int, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	renderRequestsTotal.WithLabelValues(format, outcome).Inc()
	if outcome != "success" {
		return
	}
	renderDurationSeconds.WithLabelValues(format).Observe(duration.Seconds())
	if bytes > 0 {
		renderBytesTotal.WithLabelValues(format).Add(float64(bytes))
	}
}

// IncInflight increments the in-flight render gauge.
func IncInflight() {
	renderInflight.Inc()
}

// DecInflight decrements the in-flight render gauge.
func DecInflight() {
	renderInflight.Dec()
}

// ObserveBrowserLaunch counts a launch attempt.
func ObserveBrowserLaunch(result string) {
	browserLaunchesTotal.WithLabelValues(result).Inc()
}

// SetBrowserRunning flips the browser_running gauge.
func SetBrowserRunning(running bool) {
	if running {
		browserRunning.Set(1)
		return
	}
	browserRunning.Set(0)
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
