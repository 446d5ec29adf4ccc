package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsDeliveryCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncDelivery("FCM", OutcomeSent)
	metrics.IncDelivery("fcm", OutcomeFailed)
	metrics.IncDelivery("", OutcomeSkipped)
	metrics.ObserveGatewaySendDuration("fcm", 120*time.Millisecond)
	metrics.IncGatewayRetry("fcm")
	metrics.IncWorkerInFlight("fcm")
	metrics.DecWorkerInFlight("fcm")

	if got := testutil.ToFloat64(metrics.deliveriesTotal.WithLabelValues("fcm", "sent")); got != 1 {
		t.Fatalf("deliveries_total{sent} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deliveriesTotal.WithLabelValues("fcm", "failed")); got != 1 {
		t.Fatalf("deliveries_total{failed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deliveriesTotal.WithLabelValues("unknown", "skipped")); got != 1 {
		t.Fatalf("deliveries_total{skipped} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.gatewayRetriesTotal.WithLabelValues("fcm")); got != 1 {
		t.Fatalf("gateway_retries_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.workerInflight.WithLabelValues("fcm")); got != 0 {
		t.Fatalf("worker_inflight = %v, want 0", got)
	}
}

func TestMetricsSweepCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.ObserveSweep(3, false, time.Second)
	metrics.ObserveSweep(2, true, time.Second)
	metrics.AddRedeliveriesPublished(4)
	metrics.AddRedeliveriesPublished(0)

	if got := testutil.ToFloat64(metrics.sweepDeletedTotal); got != 5 {
		t.Fatalf("sweep_deleted_total = %v, want 5", got)
	}
	if got := testutil.ToFloat64(metrics.sweepFailuresTotal); got != 1 {
		t.Fatalf("sweep_failures_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.redeliveriesPublishedTotal); got != 4 {
		t.Fatalf("redeliveries_published_total = %v, want 4", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.IncDelivery("fcm", OutcomeSent)
	metrics.ObserveSweep(1, true, time.Second)
	metrics.AddRedeliveriesPublished(1)
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareUsesFiberErrorCodeAndSkipsScrapes(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/v1/notifications/:id", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "record not found")
	})
	app.Get("/metrics", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	for _, path := range []string{"/v1/notifications/r-1", "/metrics"} {
		if _, err := app.Test(httptest.NewRequest("GET", path, nil)); err != nil {
			t.Fatalf("app.Test(%s) error = %v", path, err)
		}
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/v1/notifications/:id", "404")); got != 1 {
		t.Fatalf("http_requests_total{404} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(metrics.httpRequestsTotal); got != 1 {
		t.Fatalf("http_requests_total series = %d, want 1", got)
	}
}
