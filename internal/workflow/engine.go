package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/deepresearch/internal/logging"
	"github.com/fyrsmithlabs/deepresearch/internal/research"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/deepresearch/internal/workflow"

// RunLogger persists the final state of a run and returns where it went.
type RunLogger interface {
	Log(runID string, state research.RunState) (string, error)
}

// RunOptions are the optional inputs of a run.
type RunOptions struct {
	Scope string
	// Metadata is recorded in the opening transcript.
	Metadata map[string]string
}

// RunResult is the outcome of a finished run.
type RunResult struct {
	RunID       string            `json:"run_id"`
	State       research.RunState `json:"state"`
	LogLocation string            `json:"log_location,omitempty"`
	// Converged is false when the loop bound ended the run with the
	// review still asking for revision.
	Converged bool `json:"converged"`
}

// EventKind tags an Event.
type EventKind string

const (
	EventStage  EventKind = "stage"
	EventResult EventKind = "result"
	EventError  EventKind = "error"
)

// Event is one item of a run stream. Stage events carry the stage name and
// its update; the stream ends with exactly one result or error event.
type Event struct {
	Kind   EventKind        `json:"type"`
	RunID  string           `json:"run_id"`
	Stage  string           `json:"stage,omitempty"`
	Update *research.Update `json:"update,omitempty"`
	Result *RunResult       `json:"result,omitempty"`
	Err    error            `json:"-"`
}

// Engine executes a stage graph.
type Engine struct {
	graph     *Graph
	maxLoops  int
	runLogger RunLogger
	logger    *logging.Logger
	tracer    trace.Tracer
	metrics   *Metrics
	now       func() time.Time
	newRunID  func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunLogger sets where final states are persisted.
func WithRunLogger(l RunLogger) Option {
	return func(e *Engine) { e.runLogger = l }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer for stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the clock used for transcript timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRunIDs replaces the run id generator.
func WithRunIDs(fn func() string) Option {
	return func(e *Engine) { e.newRunID = fn }
}

// NewEngine validates graph and returns an engine bounded to maxLoops
// review passes.
func NewEngine(graph *Graph, maxLoops int, opts ...Option) (*Engine, error) {
	if graph == nil {
		return nil, fmt.Errorf("%w: nil graph", ErrInvalidGraph)
	}
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	if maxLoops < 0 {
		return nil, fmt.Errorf("max loops cannot be negative: %d", maxLoops)
	}
	e := &Engine{
		graph:    graph,
		maxLoops: maxLoops,
		logger:   logging.Nop(),
		tracer:   otel.Tracer(instrumentationName),
		now:      func() time.Time { return time.Now().UTC() },
		newRunID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	return e, nil
}

// MaxSteps is the most stage executions a run may take: scope and plan once,
// then research, synthesize and review once per allowed pass.
func (e *Engine) MaxSteps() int {
	return (e.maxLoops+1)*3 + 2
}

// Run executes a research run to completion.
//
// A stage failure is returned as a *StageError wrapping the stage's error.
// If the run finished but logging it failed, the result is returned together
// with the logging error.
func (e *Engine) Run(ctx context.Context, query string, opts RunOptions) (*RunResult, error) {
	return e.run(ctx, e.newRunID(), query, opts, nil)
}

// RunStream executes a run in the background and reports its progress. The
// channel yields one EventStage per completed stage, then one EventResult or
// EventError, and is closed. Cancelling ctx stops the run.
func (e *Engine) RunStream(ctx context.Context, query string, opts RunOptions) (<-chan Event, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	runID := e.newRunID()
	events := make(chan Event)

	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(events)
		result, err := e.run(ctx, runID, query, opts, func(stage string, u research.Update) {
			send(Event{Kind: EventStage, RunID: runID, Stage: stage, Update: &u})
		})
		if err != nil {
			send(Event{Kind: EventError, RunID: runID, Result: result, Err: err})
			return
		}
		send(Event{Kind: EventResult, RunID: runID, Result: result})
	}()
	return events, nil
}

func (e *Engine) run(ctx context.Context, runID, query string, opts RunOptions, emit func(string, research.Update)) (*RunResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	ctx = logging.WithRunID(ctx, runID)
	start := time.Now()

	state := research.NewRunState(query, opts.Scope, formatMetadata(opts.Metadata), e.now())
	e.logger.Info(ctx, "research run started",
		zap.String("query", query),
		zap.Int("max_loops", e.maxLoops),
	)

	state, err := e.execute(ctx, runID, state, emit)
	if err != nil {
		e.metrics.RunsTotal.WithLabelValues(OutcomeFailed).Inc()
		e.logger.Error(ctx, "research run failed", zap.Error(err))
		return nil, err
	}

	result := &RunResult{RunID: runID, State: state, Converged: !state.NeedsRevision}
	outcome := OutcomeConverged
	if !result.Converged {
		outcome = OutcomeLoopLimit
		e.logger.Warn(ctx, "revision limit reached, returning current draft",
			zap.Int("loop_count", state.LoopCount),
		)
	}
	e.metrics.RunsTotal.WithLabelValues(outcome).Inc()
	e.metrics.RevisionLoops.Observe(float64(state.LoopCount))

	if e.runLogger != nil {
		location, err := e.runLogger.Log(runID, state)
		if err != nil {
			return result, fmt.Errorf("log run %s: %w", runID, err)
		}
		result.LogLocation = location
	}

	e.logger.Info(ctx, "research run finished",
		zap.String("outcome", outcome),
		zap.Int("loop_count", state.LoopCount),
		zap.Int("findings", len(state.Findings)),
		zap.String("log", result.LogLocation),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// execute walks the graph from its entry point until End.
func (e *Engine) execute(ctx context.Context, runID string, state research.RunState, emit func(string, research.Update)) (research.RunState, error) {
	limit := e.MaxSteps()
	current := e.graph.entry

	for steps := 0; current != End; steps++ {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		if steps >= limit {
			return state, fmt.Errorf("%w: %d stages", ErrStepLimit, limit)
		}

		update, err := e.runStage(ctx, runID, current, state)
		if err != nil {
			return state, &StageError{Stage: current, Err: err}
		}
		state.Apply(update)
		if emit != nil {
			emit(current, update)
		}

		if current, err = e.graph.next(current, state); err != nil {
			return state, err
		}
	}
	return state, nil
}

func (e *Engine) runStage(ctx context.Context, runID, name string, state research.RunState) (research.Update, error) {
	ctx = logging.WithStage(ctx, name)
	ctx, span := e.tracer.Start(ctx, "workflow.stage."+name,
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("stage", name),
			attribute.Int("loop_count", state.LoopCount),
		),
	)
	defer span.End()

	start := time.Now()
	// Stages get a copy so they cannot alias the engine's slices.
	update, err := e.graph.nodes[name](ctx, state.Clone())
	elapsed := time.Since(start)

	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, context.Canceled) {
			result = "canceled"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("findings", findingsAfter(state, update)))
	}
	e.metrics.StageDuration.WithLabelValues(name, result).Observe(elapsed.Seconds())

	e.logger.Debug(ctx, "stage finished",
		zap.Duration("duration", elapsed),
		zap.String("result", result),
	)
	return update, err
}

func findingsAfter(state research.RunState, u research.Update) int {
	if u.Findings != nil {
		return len(u.Findings)
	}
	return len(state.Findings)
}

// formatMetadata renders metadata as a JSON object line, or "" when empty.
func formatMetadata(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}
	b, err := json.Marshal(md)
	if err != nil {
		return ""
	}
	return "Run metadata: " + string(b)
}
