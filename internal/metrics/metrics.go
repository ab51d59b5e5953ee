// Package metrics exposes Prometheus collectors for an archive run.
package metrics

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	archiverItemsTotal             *prometheus.CounterVec
	archiverItemDurationSeconds    *prometheus.HistogramVec
	archiverRequestsTotal          *prometheus.CounterVec
	archiverRetriesTotal           *prometheus.CounterVec
	archiverImagesTotal            *prometheus.CounterVec
	archiverCapturesTotal          *prometheus.CounterVec
	archiverRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		archiverItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_items_total",
				Help: "Total number of catalog items handled, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		archiverItemDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_item_duration_seconds",
				Help:    "Histogram of per-item processing time, labeled by outcome.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		)

		archiverRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_http_requests_total",
				Help: "Total number of outbound HTTP requests, labeled by kind, site and status.",
			},
			[]string{"kind", "site", "status"},
		)

		archiverRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_http_retries_total",
				Help: "Total number of retried outbound requests, labeled by kind.",
			},
			[]string{"kind"},
		)

		archiverImagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_images_total",
				Help: "Total number of images handled, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		archiverCapturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_captures_total",
				Help: "Total number of capture attempts, labeled by session kind and status.",
			},
			[]string{"session", "status"},
		)

		archiverRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_rate_limit_delays_seconds",
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

// ObserveItem records the outcome and duration of one catalog item.
func ObserveItem(outcome string, duration time.Duration) {
	Init()
	archiverItemsTotal.WithLabelValues(outcome).Inc()
	archiverItemDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveRequest counts one outbound request attempt.
func ObserveRequest(kind, rawURL string, status int) {
	Init()
	label := "error"
	if status > 0 {
		label = fmt.Sprintf("%dxx", status/100)
	}
	archiverRequestsTotal.WithLabelValues(kind, SanitizeSite(rawURL), label).Inc()
}

// ObserveRetry counts one retried request.
func ObserveRetry(kind string) {
	Init()
	archiverRetriesTotal.WithLabelValues(kind).Inc()
}

// ObserveImage counts an image localization or inlining outcome.
func ObserveImage(outcome string) {
	Init()
	archiverImagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveCapture counts a capture attempt against a shared or isolated session.
func ObserveCapture(session, status string) {
	Init()
	archiverCapturesTotal.WithLabelValues(session, status).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	archiverRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// WriteTextfile dumps the default registry in the text exposition format so
// node_exporter's textfile collector can pick up batch run results.
func WriteTextfile(path string) error {
	Init()
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
