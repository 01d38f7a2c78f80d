package http

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/deepresearch/internal/http"

// unmatchedRoute labels requests that hit no registered route.
const unmatchedRoute = "unmatched"

// HTTPMetrics records request and run-stream instruments. Instruments that
// fail to register are left nil and skipped.
type HTTPMetrics struct {
	logger *zap.Logger

	requests     metric.Int64Counter
	duration     metric.Float64Histogram
	responseSize metric.Int64Histogram
	inFlight     metric.Int64UpDownCounter

	streamEvents metric.Int64Counter
	openStreams  metric.Int64UpDownCounter
}

// NewHTTPMetrics creates the instruments on meter. A nil meter uses the
// global meter provider.
func NewHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = otel.Meter(httpInstrumentationName)
	}

	m := &HTTPMetrics{logger: logger}
	warn := func(name string, err error) {
		if err != nil {
			m.logger.Warn("failed to create http instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	var err error
	m.requests, err = meter.Int64Counter("deepresearch.http.requests_total",
		metric.WithDescription("API requests by method, route and status code"),
		metric.WithUnit("{request}"))
	warn("requests_total", err)

	// Blocking runs last minutes, so the buckets reach well past the usual API range.
	m.duration, err = meter.Float64Histogram("deepresearch.http.request_duration_seconds",
		metric.WithDescription("API request latency by method, route and status code"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900))
	warn("request_duration_seconds", err)

	m.responseSize, err = meter.Int64Histogram("deepresearch.http.response_size_bytes",
		metric.WithDescription("Response body size; research reports dominate the upper buckets"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(256, 1024, 4096, 16384, 65536, 262144, 1048576))
	warn("response_size_bytes", err)

	m.inFlight, err = meter.Int64UpDownCounter("deepresearch.http.active_requests",
		metric.WithDescription("Requests currently being served"),
		metric.WithUnit("{request}"))
	warn("active_requests", err)

	m.streamEvents, err = meter.Int64Counter("deepresearch.http.stream_events_total",
		metric.WithDescription("Server-sent run events written, by event type"),
		metric.WithUnit("{event}"))
	warn("stream_events_total", err)

	m.openStreams, err = meter.Int64UpDownCounter("deepresearch.http.open_streams",
		metric.WithDescription("Run streams currently connected"),
		metric.WithUnit("{stream}"))
	warn("open_streams", err)

	return m
}

// MetricsMiddleware returns an Echo middleware that records request metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			m.addInFlight(ctx, 1)
			defer m.addInFlight(ctx, -1)

			err := next(c)
			if err != nil {
				// Let echo settle the status before it is recorded.
				c.Error(err)
				err = nil
			}

			res := c.Response()
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", routeLabel(c.Path())),
				attribute.Int("status", res.Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.responseSize != nil {
				m.responseSize.Record(ctx, res.Size, attrs)
			}
			return err
		}
	}
}

// streamOpened marks a run stream as connected and returns its closer.
func (m *HTTPMetrics) streamOpened(ctx context.Context) func() {
	if m == nil || m.openStreams == nil {
		return func() {}
	}
	m.openStreams.Add(ctx, 1)
	return func() { m.openStreams.Add(ctx, -1) }
}

func (m *HTTPMetrics) streamEvent(ctx context.Context, kind string) {
	if m == nil || m.streamEvents == nil {
		return
	}
	m.streamEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
}

func (m *HTTPMetrics) addInFlight(ctx context.Context, n int64) {
	if m.inFlight != nil {
		m.inFlight.Add(ctx, n)
	}
}

// routeLabel returns the registered route template. Echo reports templates,
// not raw URIs, so only unmatched requests need folding.
func routeLabel(path string) string {
	if path == "" {
		return unmatchedRoute
	}
	return path
}
