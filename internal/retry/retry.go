// Package retry wraps provider calls with failure classification and
// exponential backoff with full jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/fyrsmithlabs/deepresearch/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Policy bounds retries.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy returns 3 attempts with 500ms base and 6s cap.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 6 * time.Second}
}

// PolicyFromConfig converts the retry config section.
func PolicyFromConfig(cfg config.RetryConfig) Policy {
	p := Policy{
		Attempts:  cfg.Attempts,
		BaseDelay: cfg.BaseDelay.Duration(),
		MaxDelay:  cfg.MaxDelay.Duration(),
	}
	return p.withDefaults()
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Attempts < 1 {
		p.Attempts = d.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// Backoff returns the upper bound of the wait after the n-th failure (n >= 1):
// min(MaxDelay, BaseDelay * 2^n).
func (p Policy) Backoff(n int) time.Duration {
	limit := p.MaxDelay
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	return d
}

// Retrier executes operations under a Policy.
type Retrier struct {
	policy  Policy
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error
	jitter  func(max time.Duration) time.Duration
	metrics *metrics
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retrier) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMeter records retry metrics on the given meter.
func WithMeter(m metric.Meter) Option {
	return func(r *Retrier) { r.metrics = newMetrics(m) }
}

// WithSleep replaces the context-aware sleep.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(r *Retrier) { r.sleep = fn }
}

// WithJitter replaces the random wait selection. fn receives the backoff
// ceiling and returns the wait.
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(r *Retrier) { r.jitter = fn }
}

// New creates a Retrier.
func New(policy Policy, opts ...Option) *Retrier {
	r := &Retrier{
		policy: policy.withDefaults(),
		logger: zap.NewNop(),
		sleep:  sleepContext,
		jitter: fullJitter,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = newMetrics(otel.Meter("github.com/fyrsmithlabs/deepresearch/internal/retry"))
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy { return r.policy }

// Do calls op until it succeeds, fails non-transiently, or attempts run out.
// The label identifies the call in logs and metrics.
func (r *Retrier) Do(ctx context.Context, label string, op func(context.Context) error) error {
	_, err := Call(ctx, r, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Call is the generic form of Do.
//
// Quota exhaustion is returned as *QuotaExhaustedError without sleeping.
// Fatal errors are returned unchanged. After the last transient failure the
// last error is returned unchanged.
func Call[T any](ctx context.Context, r *Retrier, label string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		class := Classify(err)
		r.metrics.failure(ctx, label, class)

		switch class {
		case QuotaExhausted:
			var qe *QuotaExhaustedError
			if errors.As(err, &qe) {
				return zero, err
			}
			return zero, &QuotaExhaustedError{Err: err}
		case Fatal:
			return zero, err
		}

		if attempt >= r.policy.Attempts {
			r.metrics.exhausted(ctx, label)
			r.logger.Warn("retries exhausted",
				zap.String("call", label),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return zero, err
		}

		wait := r.jitter(r.policy.Backoff(attempt))
		r.logger.Warn("transient provider failure, retrying",
			zap.String("call", label),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.policy.Attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := r.sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
}

func fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type metrics struct {
	failures       metric.Int64Counter
	exhaustedCount metric.Int64Counter
}

func newMetrics(m metric.Meter) *metrics {
	out := &metrics{}
	out.failures, _ = m.Int64Counter("deepresearch.retry.failures",
		metric.WithDescription("Failed provider calls by classification"),
		metric.WithUnit("{failure}"),
	)
	out.exhaustedCount, _ = m.Int64Counter("deepresearch.retry.exhausted",
		metric.WithDescription("Calls that failed after exhausting all attempts"),
		metric.WithUnit("{call}"),
	)
	return out
}

func (m *metrics) failure(ctx context.Context, label string, class Class) {
	if m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("call", label),
			attribute.String("class", class.String()),
		))
	}
}

func (m *metrics) exhausted(ctx context.Context, label string) {
	if m.exhaustedCount != nil {
		m.exhaustedCount.Add(ctx, 1, metric.WithAttributes(attribute.String("call", label)))
	}
}
