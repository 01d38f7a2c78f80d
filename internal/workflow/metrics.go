package workflow

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes.
const (
	OutcomeConverged = "converged"
	OutcomeLoopLimit = "loop_limit"
	OutcomeFailed    = "failed"
)

// Metrics holds the Prometheus collectors for research runs.
//
// Metrics:
//   - deepresearch_workflow_stage_duration_seconds{stage,result}
//   - deepresearch_workflow_runs_total{outcome}
//   - deepresearch_workflow_revision_loops - reviews per finished run
type Metrics struct {
	StageDuration *prometheus.HistogramVec
	RunsTotal     *prometheus.CounterVec
	RevisionLoops prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. Collectors
// already registered by an earlier pipeline are reused. A nil reg leaves the
// collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "deepresearch",
				Subsystem: "workflow",
				Name:      "stage_duration_seconds",
				Help:      "Duration of research stages in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"stage", "result"},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "deepresearch",
				Subsystem: "workflow",
				Name:      "runs_total",
				Help:      "Total number of finished research runs by outcome",
			},
			[]string{"outcome"},
		),
		RevisionLoops: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "deepresearch",
				Subsystem: "workflow",
				Name:      "revision_loops",
				Help:      "Number of review passes per finished run",
				Buckets:   prometheus.LinearBuckets(1, 1, 7),
			},
		),
	}
	if reg != nil {
		m.StageDuration = register(reg, m.StageDuration)
		m.RunsTotal = register(reg, m.RunsTotal)
		m.RevisionLoops = register(reg, m.RevisionLoops)
	}
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}
