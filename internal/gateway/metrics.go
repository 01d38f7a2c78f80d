package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/deepresearch/internal/gateway"

// Metrics records tool invocation metrics.
type Metrics struct {
	invocations    metric.Int64Counter
	duration       metric.Float64Histogram
	errors         metric.Int64Counter
	activeRequests metric.Int64UpDownCounter
	providers      metric.Int64UpDownCounter
}

// NewMetrics creates metrics on meter, or on the global meter when nil.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}

	var err error
	m.invocations, err = meter.Int64Counter(
		"deepresearch.gateway.tool.invocations_total",
		metric.WithDescription("Total number of MCP tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		logger.Warn("failed to create invocations counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"deepresearch.gateway.tool.duration_seconds",
		metric.WithDescription("Duration of MCP tool invocations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"deepresearch.gateway.tool.errors_total",
		metric.WithDescription("Total number of failed MCP tool invocations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.activeRequests, err = meter.Int64UpDownCounter(
		"deepresearch.gateway.tool.active_requests",
		metric.WithDescription("Number of in-flight MCP tool invocations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create active requests gauge", zap.Error(err))
	}

	m.providers, err = meter.Int64UpDownCounter(
		"deepresearch.gateway.providers.connected",
		metric.WithDescription("Number of connected MCP tool providers"),
		metric.WithUnit("{provider}"),
	)
	if err != nil {
		logger.Warn("failed to create providers gauge", zap.Error(err))
	}
	return m
}

// RecordInvocation records one finished tool call. toolErr marks a result
// the tool itself flagged as an error.
func (m *Metrics) RecordInvocation(ctx context.Context, tool string, d time.Duration, err error, toolErr bool) {
	attrs := []attribute.KeyValue{attribute.String("tool", tool)}

	if m.invocations != nil {
		m.invocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
	if m.errors == nil {
		return
	}
	switch {
	case err != nil:
		m.errors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("reason", categorizeError(err)))...))
	case toolErr:
		m.errors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("reason", "tool_error"))...))
	}
}

func (m *Metrics) active(ctx context.Context, tool string, delta int64) {
	if m.activeRequests != nil {
		m.activeRequests.Add(ctx, delta, metric.WithAttributes(attribute.String("tool", tool)))
	}
}

func (m *Metrics) connected(ctx context.Context, delta int64) {
	if m.providers != nil {
		m.providers.Add(ctx, delta)
	}
}

func categorizeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "validat"):
		return "validation_error"
	case strings.Contains(msg, "closed") || strings.Contains(msg, "eof") || strings.Contains(msg, "broken pipe"):
		return "connection_error"
	default:
		return "internal_error"
	}
}
