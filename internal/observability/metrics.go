package observability

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "push_relay"
	unmatchedRoute   = "unmatched"
)

// Delivery outcomes recorded by the worker.
const (
	OutcomeSent     = "sent"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
	OutcomeConflict = "conflict"
)

// Metrics holds the relay's collectors on a private registry, so tests can
// build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	deliveriesTotal     *prometheus.CounterVec
	gatewaySendDuration *prometheus.HistogramVec
	gatewayRetriesTotal *prometheus.CounterVec
	workerInflight      *prometheus.GaugeVec

	sweepDeletedTotal          prometheus.Counter
	sweepFailuresTotal         prometheus.Counter
	sweepDuration              prometheus.Histogram
	redeliveriesPublishedTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		deliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Delivery invocations by gateway and outcome (sent, failed, skipped, conflict).",
		}, []string{"gateway", "outcome"}),
		gatewaySendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "gateway_send_duration_seconds",
			Help:      "Time spent in a single gateway send.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"gateway"}),
		gatewayRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gateway_retries_total",
			Help:      "Local retries of transient gateway failures.",
		}, []string{"gateway"}),
		workerInflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "worker_inflight",
			Help:      "Deliveries currently in progress.",
		}, []string{"gateway"}),

		sweepDeletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_deleted_total",
			Help:      "Records deleted by the retention sweeper.",
		}),
		sweepFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_failures_total",
			Help:      "Retention sweeps that ended with a failed page.",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one retention sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		redeliveriesPublishedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "redeliveries_published_total",
			Help:      "Record-created events republished for stale PENDING records.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware counts requests by matched route. Scrapes of /metrics are
// not counted.
func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		route := unmatchedRoute
		if r := c.Route(); r != nil && strings.TrimSpace(r.Path) != "" {
			route = r.Path
		}
		if route != "/metrics" {
			m.observeHTTP(c.Method(), route, responseStatus(c, err), time.Since(start))
		}
		return err
	}
}

func (m *Metrics) IncDelivery(gateway string, outcome string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(label(gateway), label(outcome)).Inc()
}

func (m *Metrics) ObserveGatewaySendDuration(gateway string, duration time.Duration) {
	if m == nil {
		return
	}
	m.gatewaySendDuration.WithLabelValues(label(gateway)).Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) IncGatewayRetry(gateway string) {
	if m == nil {
		return
	}
	m.gatewayRetriesTotal.WithLabelValues(label(gateway)).Inc()
}

func (m *Metrics) IncWorkerInFlight(gateway string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(label(gateway)).Inc()
}

func (m *Metrics) DecWorkerInFlight(gateway string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(label(gateway)).Dec()
}

// ObserveSweep records one retention sweep run.
func (m *Metrics) ObserveSweep(deleted int, failed bool, duration time.Duration) {
	if m == nil {
		return
	}
	if deleted > 0 {
		m.sweepDeletedTotal.Add(float64(deleted))
	}
	if failed {
		m.sweepFailuresTotal.Inc()
	}
	m.sweepDuration.Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) AddRedeliveriesPublished(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.redeliveriesPublishedTotal.Add(float64(n))
}

func (m *Metrics) observeHTTP(method string, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "UNKNOWN"
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// responseStatus is the status the error handler will send for err, or the
// status already written when the handler succeeded.
func responseStatus(c *fiber.Ctx, err error) int {
	if err != nil {
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}
	if status := c.Response().StatusCode(); status != 0 {
		return status
	}
	return fiber.StatusOK
}

func label(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}
	return value
}
