package research

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/deepresearch/internal/llm"
	"github.com/fyrsmithlabs/deepresearch/internal/search"
	"go.uber.org/zap"
)

// Stage turns the current state into a partial update.
type Stage func(ctx context.Context, state RunState) (Update, error)

// ToolInvoker is the view of the tool gateway the research stage needs.
type ToolInvoker interface {
	Start(ctx context.Context) error
	AvailableTools() []string
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

const (
	// DefaultPlanStep is used when the planner produces no usable line.
	DefaultPlanStep = "Review question and perform general reconnaissance"

	// DefaultResearchStep is searched when the state has no plan.
	DefaultResearchStep = "survey open web"

	scopeHistoryMessages = 4
	planPreviewFindings  = 3
	synthesisWindow      = 12

	maxSourceChars  = 120
	maxContentChars = 800
	maxScopeChars   = 500
)

// Confidence assigned to generated findings.
const (
	ConfidenceSummary     = 0.8
	ConfidenceTool        = 0.7
	ConfidenceToolFailure = 0.2
	ConfidenceSearchError = 0.0
)

// Deps are the collaborators shared by all stages.
type Deps struct {
	Models llm.Roles

	// Search may be nil, in which case no web search is made.
	Search search.Searcher
	// Tools may be nil, in which case no MCP tool is consulted.
	Tools ToolInvoker

	// SearchResults bounds the results per plan step. Defaults to 3.
	SearchResults int
	// Concurrency bounds in-flight evidence calls. Defaults to 4.
	Concurrency int

	Logger *zap.Logger
	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// Stages holds the stage implementations for one pipeline.
type Stages struct {
	models        llm.Roles
	search        search.Searcher
	tools         ToolInvoker
	searchResults int
	concurrency   int
	logger        *zap.Logger
	now           func() time.Time
}

// New validates deps and returns the stages.
func New(deps Deps) (*Stages, error) {
	if err := deps.Models.Validate(); err != nil {
		return nil, err
	}
	s := &Stages{
		models:        deps.Models,
		search:        deps.Search,
		tools:         deps.Tools,
		searchResults: deps.SearchResults,
		concurrency:   deps.Concurrency,
		logger:        deps.Logger,
		now:           deps.Now,
	}
	if s.searchResults <= 0 {
		s.searchResults = 3
	}
	if s.concurrency <= 0 {
		s.concurrency = 4
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

// ByName returns every stage keyed by its stage name.
func (s *Stages) ByName() map[string]Stage {
	return map[string]Stage{
		StageScope:      s.Scope,
		StagePlan:       s.Plan,
		StageResearch:   s.Research,
		StageSynthesize: s.Synthesize,
		StageReview:     s.Review,
	}
}

func (s *Stages) message(stage, content string) Message {
	return Message{Role: RoleAssistant, Name: stage, Content: content, CreatedAt: s.now()}
}

// Scope refines the research scope from the recent conversation.
func (s *Stages) Scope(ctx context.Context, state RunState) (Update, error) {
	recent := state.Transcript
	if len(recent) > scopeHistoryMessages {
		recent = recent[len(recent)-scopeHistoryMessages:]
	}
	lines := make([]string, 0, len(recent))
	for _, m := range recent {
		lines = append(lines, m.Content)
	}
	history := strings.Join(lines, "\n")
	if history == "" {
		history = "(no prior conversation)"
	}
	current := state.Scope
	if current == "" {
		current = "(not defined yet)"
	}

	scope, err := s.models.Scoper.Complete(ctx, scopePrompt(state.Query, current, history))
	if err != nil {
		return Update{}, err
	}
	return Update{
		Scope:      ptr(scope),
		Transcript: []Message{s.message(StageScope, scope)},
	}, nil
}

// Plan asks the planner for an ordered list of steps.
func (s *Stages) Plan(ctx context.Context, state RunState) (Update, error) {
	recent := state.Findings
	if len(recent) > planPreviewFindings {
		recent = recent[len(recent)-planPreviewFindings:]
	}
	sources := make([]string, 0, len(recent))
	for _, f := range recent {
		sources = append(sources, "- "+f.Source)
	}
	preview := strings.Join(sources, "\n")
	if preview == "" {
		preview = "none yet"
	}

	raw, err := s.models.Planner.Complete(ctx, planPrompt(state.Query, state.Scope, preview))
	if err != nil {
		return Update{}, err
	}
	plan := ParsePlan(raw)
	return Update{
		Plan:       plan,
		Transcript: []Message{s.message(StagePlan, strings.Join(plan, "\n"))},
	}, nil
}

// stepMarker matches a leading list bullet or number.
var stepMarker = regexp.MustCompile(`^(?:[-•]+|[*+]+(?:\s|$)|\d+[.)](?:\s|$))`)

// ParsePlan splits planner output into steps, dropping blank lines and
// leading list markers. It never returns an empty plan.
func ParsePlan(raw string) []string {
	var steps []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		for {
			stripped := strings.TrimSpace(stepMarker.ReplaceAllString(line, ""))
			if stripped == line {
				break
			}
			line = stripped
		}
		if line != "" {
			steps = append(steps, line)
		}
	}
	if len(steps) == 0 {
		return []string{DefaultPlanStep}
	}
	return steps
}

// Synthesize drafts the report from the most recent findings.
func (s *Stages) Synthesize(ctx context.Context, state RunState) (Update, error) {
	window := state.Findings
	if len(window) > synthesisWindow {
		window = window[len(window)-synthesisWindow:]
	}
	lines := make([]string, 0, len(window))
	for _, f := range window {
		lines = append(lines, EvidenceLine(f))
	}
	findings := strings.Join(lines, "\n")
	if findings == "" {
		findings = "No findings yet"
	}

	report, err := s.models.Synthesizer.Complete(ctx,
		synthesizePrompt(state.Query, Clip(state.Scope, maxScopeChars), findings))
	if err != nil {
		return Update{}, err
	}
	return Update{
		DraftReport:   ptr(report),
		NeedsRevision: ptr(false),
		Transcript:    []Message{s.message(StageSynthesize, report)},
	}, nil
}

// EvidenceLine renders a finding for the synthesis prompt with its source and
// content clipped.
func EvidenceLine(f Finding) string {
	return fmt.Sprintf("- %s: %s", Clip(f.Source, maxSourceChars), Clip(f.Content, maxContentChars))
}

// Clip shortens value to at most max runes, ending in "..." when cut.
func Clip(value string, max int) string {
	if utf8.RuneCountInString(value) <= max {
		return value
	}
	if max <= 3 {
		return string([]rune(value)[:max])
	}
	return string([]rune(value)[:max-3]) + "..."
}

// isCancellation reports whether err came from ctx ending.
func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
