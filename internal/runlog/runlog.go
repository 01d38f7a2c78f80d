package runlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/deepresearch/internal/research"
	"go.uber.org/zap"
)

// ErrInvalidRunID is returned for run ids that are not safe file names.
var ErrInvalidRunID = errors.New("invalid run id")

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// Logger writes run states to a directory.
type Logger struct {
	dir      string
	redactor Redactor
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Logger.
type Option func(*Logger)

// WithScrubber replaces the default scrubber. A nil redactor disables
// scrubbing.
func WithScrubber(r Redactor) Option {
	return func(l *Logger) { l.redactor = r }
}

// WithGitleaks runs g after the current scrubber.
func WithGitleaks(g *GitleaksScrubber) Option {
	return func(l *Logger) {
		if g == nil {
			return
		}
		if l.redactor == nil {
			l.redactor = g
			return
		}
		l.redactor = Chain{l.redactor, g}
	}
}

// WithClock sets the clock used for the log timestamp.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(z *zap.Logger) Option {
	return func(l *Logger) {
		if z != nil {
			l.logger = z
		}
	}
}

// New creates dir (mode 0700) and returns a Logger writing into it.
func New(dir string, opts ...Option) (*Logger, error) {
	if dir == "" {
		return nil, errors.New("runlog: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("runlog: create %s: %w", dir, err)
	}

	scrubber, err := NewScrubber(nil)
	if err != nil {
		return nil, err
	}
	l := &Logger{
		dir:      dir,
		redactor: scrubber,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Dir returns the log directory.
func (l *Logger) Dir() string { return l.dir }

// Log writes state as <dir>/<runID>.json and returns the file path. The file
// is written to a temporary name and renamed into place.
func (l *Logger) Log(runID string, state research.RunState) (string, error) {
	if !runIDPattern.MatchString(runID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}

	payload := Flatten(state)
	payload["run_id"] = runID
	payload["timestamp"] = l.now().Format(time.RFC3339Nano)

	redacted := 0
	if l.redactor != nil {
		payload, redacted = l.scrubMap(payload)
	}

	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("runlog: encode: %w", err)
	}

	path := filepath.Join(l.dir, runID+".json")
	if err := writeFileAtomic(path, body); err != nil {
		return "", err
	}

	l.logger.Info("run logged",
		zap.String("run.id", runID),
		zap.String("path", path),
		zap.Int("findings", len(state.Findings)),
		zap.Int("redactions", redacted),
	)
	return path, nil
}

func writeFileAtomic(path string, body []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".run-*.json")
	if err != nil {
		return fmt.Errorf("runlog: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("runlog: chmod: %w", err)
	}
	if _, err := tmp.Write(append(body, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("runlog: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("runlog: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("runlog: rename: %w", err)
	}
	return nil
}

// Flatten converts state into JSON-ready maps and slices. Absent optional
// fields are nil.
func Flatten(state research.RunState) map[string]any {
	plan := make([]any, 0, len(state.Plan))
	for _, step := range state.Plan {
		plan = append(plan, step)
	}

	findings := make([]any, 0, len(state.Findings))
	for _, f := range state.Findings {
		findings = append(findings, map[string]any{
			"source":      f.Source,
			"content":     f.Content,
			"confidence":  f.Confidence,
			"captured_at": timestamp(f.CapturedAt),
		})
	}

	transcript := make([]any, 0, len(state.Transcript))
	for _, m := range state.Transcript {
		transcript = append(transcript, map[string]any{
			"role":       m.Role,
			"name":       optional(m.Name),
			"content":    m.Content,
			"created_at": timestamp(m.CreatedAt),
		})
	}

	var review any
	if state.Review != nil {
		review = map[string]any{
			"approved":    state.Review.Approved,
			"critique":    state.Review.Critique,
			"next_action": optional(state.Review.NextAction),
		}
	}

	return map[string]any{
		"query":          state.Query,
		"scope":          optional(state.Scope),
		"plan":           plan,
		"findings":       findings,
		"draft_report":   optional(state.DraftReport),
		"review":         review,
		"needs_revision": state.NeedsRevision,
		"loop_count":     state.LoopCount,
		"transcript":     transcript,
	}
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timestamp(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (l *Logger) scrubMap(m map[string]any) (map[string]any, int) {
	total := 0
	out := make(map[string]any, len(m))
	for k, v := range m {
		var n int
		out[k], n = l.scrubValue(v)
		total += n
	}
	return out, total
}

func (l *Logger) scrubValue(v any) (any, int) {
	switch val := v.(type) {
	case string:
		return l.redactor.Scrub(val)
	case map[string]any:
		return l.scrubMap(val)
	case []any:
		total := 0
		out := make([]any, len(val))
		for i, item := range val {
			var n int
			out[i], n = l.scrubValue(item)
			total += n
		}
		return out, total
	default:
		return v, 0
	}
}
