package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the dispatch and render flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	emailsSentTotal       prometheus.Counter
	emailsFailedTotal     *prometheus.CounterVec
	emailSendDuration     prometheus.Histogram
	batchesFinalizedTotal *prometheus.CounterVec
	renderDuration        prometheus.Histogram
	archiveEntriesTotal   prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailroom",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mailroom",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		emailsSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mailroom",
				Name:      "emails_sent_total",
				Help:      "Total number of emails delivered successfully.",
			},
		),
		emailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailroom",
				Name:      "emails_failed_total",
				Help:      "Total number of emails that ended in error state, by failure class.",
			},
			[]string{"class"},
		),
		emailSendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "mailroom",
				Name:      "email_send_duration_seconds",
				Help:      "SMTP send duration in seconds, including retries.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		batchesFinalizedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailroom",
				Name:      "batches_finalized_total",
				Help:      "Total number of batches reaching a terminal status.",
			},
			[]string{"status"},
		),
		renderDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "mailroom",
				Name:      "pdf_render_duration_seconds",
				Help:      "Per-document PDF render duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		),
		archiveEntriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mailroom",
				Name:      "archive_entries_total",
				Help:      "Total number of PDF entries written into ZIP archives.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.emailsSentTotal,
		m.emailsFailedTotal,
		m.emailSendDuration,
		m.batchesFinalizedTotal,
		m.renderDuration,
		m.archiveEntriesTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncEmailSent() {
	if m == nil {
		return
	}
	m.emailsSentTotal.Inc()
}

func (m *Metrics) IncEmailFailed(class string) {
	if m == nil {
		return
	}
	classLabel := strings.TrimSpace(strings.ToLower(class))
	if classLabel == "" {
		classLabel = "unknown"
	}
	m.emailsFailedTotal.WithLabelValues(classLabel).Inc()
}

func (m *Metrics) ObserveEmailSendDuration(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.emailSendDuration.Observe(seconds)
}

func (m *Metrics) IncBatchFinalized(status string) {
	if m == nil {
		return
	}
	statusLabel := strings.TrimSpace(strings.ToLower(status))
	if statusLabel == "" {
		statusLabel = "unknown"
	}
	m.batchesFinalizedTotal.WithLabelValues(statusLabel).Inc()
}

func (m *Metrics) ObserveRenderDuration(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.renderDuration.Observe(seconds)
}

func (m *Metrics) AddArchiveEntries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.archiveEntriesTotal.Add(float64(n))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}
