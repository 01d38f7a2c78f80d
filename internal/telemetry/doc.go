// Package telemetry wires OpenTelemetry tracing and metrics.
//
// Workflow stages open a span per execution, the tool gateway and retry
// engine record counters and histograms through a metric.Meter. Exporters
// speak OTLP over gRPC (default) or HTTP. When initialization fails the
// package falls back to the global no-op providers and reports the degraded
// state through Health.
//
// Tests use NewTestTelemetry to inspect spans and collect metrics in memory.
package telemetry
