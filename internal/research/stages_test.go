package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/deepresearch/internal/llm"
	"github.com/fyrsmithlabs/deepresearch/internal/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingCompleter returns reply and records every prompt it receives.
type recordingCompleter struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []llm.Prompt
}

func (c *recordingCompleter) Complete(_ context.Context, p llm.Prompt) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, p)
	return c.reply, c.err
}

func (c *recordingCompleter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

func (c *recordingCompleter) lastUser() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prompts) == 0 {
		return ""
	}
	return c.prompts[len(c.prompts)-1].User
}

type searchFunc func(ctx context.Context, query string, max int) ([]search.Result, error)

func (f searchFunc) Search(ctx context.Context, query string, max int) ([]search.Result, error) {
	return f(ctx, query, max)
}

type fakeTools struct {
	startErr error
	names    []string
	results  map[string]string
	failures map[string]error

	mu    sync.Mutex
	calls map[string]map[string]any
}

func (f *fakeTools) Start(context.Context) error { return f.startErr }

func (f *fakeTools) AvailableTools() []string { return f.names }

func (f *fakeTools) Invoke(_ context.Context, name string, args map[string]any) (string, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]map[string]any{}
	}
	f.calls[name] = args
	f.mu.Unlock()
	if err := f.failures[name]; err != nil {
		return "", err
	}
	return f.results[name], nil
}

func newStages(t *testing.T, c llm.Completer, s search.Searcher, tools ToolInvoker) *Stages {
	t.Helper()
	st, err := New(Deps{
		Models: llm.Uniform(c),
		Search: s,
		Tools:  tools,
		Now:    func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return st
}

func TestNew_RequiresEveryRole(t *testing.T) {
	_, err := New(Deps{Models: llm.Roles{Scoper: &recordingCompleter{}}})
	assert.Error(t, err)
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"bullets", "- first\n- second\n", []string{"first", "second"}},
		{"mixed markers", "* alpha\n• beta\n1. gamma\n2) delta\n+ epsilon", []string{"alpha", "beta", "gamma", "delta", "epsilon"}},
		{"nested markers", "  - - deep", []string{"deep"}},
		{"blank lines dropped", "\n\n  one  \n\n\r\ntwo\r\n", []string{"one", "two"}},
		{"numbers kept inside text", "3.5 release notes\n**Bold** step", []string{"3.5 release notes", "**Bold** step"}},
		{"empty falls back", "", []string{DefaultPlanStep}},
		{"markers only fall back", "-\n- \n*", []string{DefaultPlanStep}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePlan(tt.raw))
		})
	}
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", Clip("short", 10))
	assert.Equal(t, "abcdefg...", Clip(strings.Repeat("abcdefghij", 3), 10))
	assert.Equal(t, "héllo wö...", Clip("héllo wörld and more", 11))

	long := strings.Repeat("x", 2000)
	clipped := Clip(long, 800)
	assert.Len(t, clipped, 800)
	assert.True(t, strings.HasSuffix(clipped, "..."))
}

func TestEvidenceLine_ClipsContentTo800(t *testing.T) {
	f := Finding{Source: "a.com", Content: strings.Repeat("q", 2000)}

	line := EvidenceLine(f)
	content := strings.TrimPrefix(line, "- a.com: ")
	assert.Len(t, content, 800)
	assert.True(t, strings.HasSuffix(content, "..."))
	assert.Equal(t, strings.Repeat("q", 797)+"...", content)
}

func TestScope_UsesRecentHistory(t *testing.T) {
	c := &recordingCompleter{reply: "## Scope"}
	st := newStages(t, c, nil, nil)

	state := NewRunState("What is X?", "", "", fixedNow)
	for i := 1; i <= 5; i++ {
		state.Transcript = append(state.Transcript, Message{Role: RoleAssistant, Content: fmt.Sprintf("turn %d", i)})
	}

	u, err := st.Scope(context.Background(), state)
	require.NoError(t, err)

	require.NotNil(t, u.Scope)
	assert.Equal(t, "## Scope", *u.Scope)
	require.Len(t, u.Transcript, 1)
	assert.Equal(t, StageScope, u.Transcript[0].Name)
	assert.Equal(t, RoleAssistant, u.Transcript[0].Role)

	user := c.lastUser()
	assert.Contains(t, user, "turn 2\nturn 3\nturn 4\nturn 5")
	assert.NotContains(t, user, "turn 1")
	assert.Contains(t, user, "(not defined yet)")
}

func TestPlan_PreviewAndDefault(t *testing.T) {
	c := &recordingCompleter{reply: "   \n"}
	st := newStages(t, c, nil, nil)

	state := NewRunState("q", "scope", "", fixedNow)
	u, err := st.Plan(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultPlanStep}, u.Plan)
	assert.Contains(t, c.lastUser(), "Key prior findings: none yet")

	for _, src := range []string{"s1", "s2", "s3", "s4"} {
		state.Findings = append(state.Findings, Finding{Source: src})
	}
	c.reply = "- look up papers\n- compare vendors"
	u, err = st.Plan(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, []string{"look up papers", "compare vendors"}, u.Plan)
	assert.Contains(t, c.lastUser(), "- s2\n- s3\n- s4")
	assert.NotContains(t, c.lastUser(), "s1")
	assert.Equal(t, "look up papers\ncompare vendors", u.Transcript[0].Content)
}

func TestResearch_DeterministicOrder(t *testing.T) {
	c := &recordingCompleter{reply: "summary"}
	searcher := searchFunc(func(_ context.Context, query string, max int) ([]search.Result, error) {
		assert.Equal(t, 3, max)
		step := query[strings.Index(query, " :: ")+4:]
		// Later steps answer first.
		if step == "one" {
			time.Sleep(20 * time.Millisecond)
		}
		return []search.Result{
			{URL: step + ".com/a", Content: step + " a", Score: 0.5},
			{URL: step + ".com/b", Content: step + " b", Score: 1.4},
		}, nil
	})
	tools := &fakeTools{
		names:    []string{"docs:rag_lookup", "fs:read_file", "web:Search"},
		results:  map[string]string{"docs:rag_lookup": "rag text"},
		failures: map[string]error{"web:Search": errors.New("provider offline")},
	}
	st := newStages(t, c, searcher, tools)

	state := NewRunState("q", "", "", fixedNow)
	state.Plan = []string{"one", "two"}
	state.Findings = []Finding{{Source: "earlier", Content: "prior", Confidence: 0.3}}

	u, err := st.Research(context.Background(), state)
	require.NoError(t, err)

	var sources []string
	for _, f := range u.Findings {
		sources = append(sources, f.Source)
	}
	assert.Equal(t, []string{
		"earlier",
		"one.com/a", "one.com/b", "two.com/a", "two.com/b",
		"mcp:docs:rag_lookup", "mcp:web:Search",
		SourceResearcher,
	}, sources)

	assert.Equal(t, 1.0, u.Findings[2].Confidence, "scores above 1 are clamped")
	assert.Equal(t, ConfidenceTool, u.Findings[5].Confidence)
	assert.Equal(t, "rag text", u.Findings[5].Content)
	assert.Equal(t, ConfidenceToolFailure, u.Findings[6].Confidence)
	assert.Contains(t, u.Findings[6].Content, "provider offline")
	assert.Equal(t, ConfidenceSummary, u.Findings[7].Confidence)
	assert.Equal(t, "summary", u.Findings[7].Content)

	assert.NotContains(t, tools.calls, "fs:read_file")
	assert.Equal(t, map[string]any{"query": "q"}, tools.calls["docs:rag_lookup"])

	user := c.lastUser()
	assert.Contains(t, user, "Plan focus: one\ntwo")
	assert.Contains(t, user, "one.com/a: one a\n\none.com/b: one b")
}

func TestResearch_SearchFailureDegrades(t *testing.T) {
	c := &recordingCompleter{reply: "summary"}
	searcher := searchFunc(func(context.Context, string, int) ([]search.Result, error) {
		return nil, errors.New("status code: 500")
	})
	st := newStages(t, c, searcher, nil)

	u, err := st.Research(context.Background(), NewRunState("q", "", "", fixedNow))
	require.NoError(t, err)

	require.Len(t, u.Findings, 2)
	assert.Equal(t, SourceSearchError, u.Findings[0].Source)
	assert.Equal(t, ConfidenceSearchError, u.Findings[0].Confidence)
	assert.Contains(t, u.Findings[0].Content, `"q :: survey open web"`)
}

func TestResearch_DisabledSearchRecordsError(t *testing.T) {
	st := newStages(t, &recordingCompleter{reply: "s"}, search.Disabled{}, nil)

	u, err := st.Research(context.Background(), NewRunState("q", "", "", fixedNow))
	require.NoError(t, err)
	assert.Equal(t, SourceSearchError, u.Findings[0].Source)
	assert.Contains(t, u.Findings[0].Content, "web search unavailable")
}

func TestResearch_NoEvidence(t *testing.T) {
	c := &recordingCompleter{reply: "hypothetical"}
	st := newStages(t, c, nil, &fakeTools{startErr: errors.New("all providers down")})

	u, err := st.Research(context.Background(), NewRunState("q", "", "", fixedNow))
	require.NoError(t, err)

	require.Len(t, u.Findings, 1)
	assert.Equal(t, SourceResearcher, u.Findings[0].Source)
	assert.Contains(t, c.lastUser(), "No external evidence gathered yet")
	assert.Contains(t, c.lastUser(), "Plan focus: "+DefaultResearchStep)
}

func TestResearch_CancelledContext(t *testing.T) {
	c := &recordingCompleter{reply: "summary"}
	ctx, cancel := context.WithCancel(context.Background())
	searcher := searchFunc(func(ctx context.Context, _ string, _ int) ([]search.Result, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	st := newStages(t, c, searcher, nil)

	_, err := st.Research(ctx, NewRunState("q", "", "", fixedNow))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.calls())
}

type cancelOnInvoke struct {
	fakeTools
	cancel context.CancelFunc
}

func (c *cancelOnInvoke) Invoke(ctx context.Context, _ string, _ map[string]any) (string, error) {
	c.cancel()
	<-ctx.Done()
	return "", ctx.Err()
}

func TestResearch_CancelledDuringToolCall(t *testing.T) {
	c := &recordingCompleter{reply: "summary"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tools := &cancelOnInvoke{fakeTools: fakeTools{names: []string{"kb:search"}}, cancel: cancel}
	st := newStages(t, c, nil, tools)

	_, err := st.Research(ctx, NewRunState("q", "", "", fixedNow))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.calls())
}

func TestResearch_CompletionErrorPropagates(t *testing.T) {
	boom := errors.New("model down")
	st := newStages(t, &recordingCompleter{err: boom}, nil, nil)

	_, err := st.Research(context.Background(), NewRunState("q", "", "", fixedNow))
	assert.ErrorIs(t, err, boom)
}

func TestSynthesize_WindowAndClipping(t *testing.T) {
	c := &recordingCompleter{reply: "# Report"}
	st := newStages(t, c, nil, nil)

	state := NewRunState("q", strings.Repeat("s", 600), "", fixedNow)
	for i := 0; i < 15; i++ {
		state.Findings = append(state.Findings, Finding{Source: fmt.Sprintf("src-%02d", i), Content: "c"})
	}
	state.NeedsRevision = true

	u, err := st.Synthesize(context.Background(), state)
	require.NoError(t, err)

	require.NotNil(t, u.DraftReport)
	assert.Equal(t, "# Report", *u.DraftReport)
	require.NotNil(t, u.NeedsRevision)
	assert.False(t, *u.NeedsRevision)

	user := c.lastUser()
	assert.NotContains(t, user, "src-02")
	assert.Contains(t, user, "- src-03: c")
	assert.Contains(t, user, "- src-14: c")
	assert.Contains(t, user, "Scope: "+strings.Repeat("s", 497)+"...\n")
}

func TestSynthesize_NoFindings(t *testing.T) {
	c := &recordingCompleter{reply: "r"}
	st := newStages(t, c, nil, nil)

	_, err := st.Synthesize(context.Background(), NewRunState("q", "", "", fixedNow))
	require.NoError(t, err)
	assert.Contains(t, c.lastUser(), "Findings: No findings yet")
}

func TestReview(t *testing.T) {
	t.Run("no draft skips the model", func(t *testing.T) {
		c := &recordingCompleter{}
		st := newStages(t, c, nil, nil)
		state := NewRunState("q", "", "", fixedNow)
		state.LoopCount = 1

		u, err := st.Review(context.Background(), state)
		require.NoError(t, err)
		assert.True(t, *u.NeedsRevision)
		assert.Equal(t, 2, *u.LoopCount)
		assert.Nil(t, u.Review)
		assert.Zero(t, c.calls())
	})

	t.Run("approved", func(t *testing.T) {
		c := &recordingCompleter{reply: `{"approved": true, "critique": "solid"}`}
		st := newStages(t, c, nil, nil)
		state := NewRunState("q", "", "", fixedNow)
		state.DraftReport = "draft"

		u, err := st.Review(context.Background(), state)
		require.NoError(t, err)
		assert.Equal(t, &Review{Approved: true, Critique: "solid"}, u.Review)
		assert.False(t, *u.NeedsRevision)
		assert.Equal(t, 1, *u.LoopCount)
		require.Len(t, u.Transcript, 1)
		assert.Contains(t, u.Transcript[0].Content, `"approved": true`)
	})

	t.Run("malformed output degrades", func(t *testing.T) {
		c := &recordingCompleter{reply: "Looks fine to me"}
		st := newStages(t, c, nil, nil)
		state := NewRunState("q", "", "", fixedNow)
		state.DraftReport = "draft"

		u, err := st.Review(context.Background(), state)
		require.NoError(t, err)
		assert.Equal(t, &Review{Approved: false, Critique: "Looks fine to me", NextAction: FallbackNextAction}, u.Review)
		assert.True(t, *u.NeedsRevision)
	})

	t.Run("completion error propagates", func(t *testing.T) {
		boom := errors.New("quota")
		st := newStages(t, &recordingCompleter{err: boom}, nil, nil)
		state := NewRunState("q", "", "", fixedNow)
		state.DraftReport = "draft"

		_, err := st.Review(context.Background(), state)
		assert.ErrorIs(t, err, boom)
	})
}

func TestParseReview(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Review
	}{
		{
			name: "plain json",
			raw:  `{"approved": false, "critique": "thin", "next_action": "add sources"}`,
			want: Review{Critique: "thin", NextAction: "add sources"},
		},
		{
			name: "fenced json",
			raw:  "```json\n{\"approved\": true, \"critique\": \"ok\"}\n```",
			want: Review{Approved: true, Critique: "ok"},
		},
		{
			name: "missing approved is false",
			raw:  `{"critique": "hmm"}`,
			want: Review{Critique: "hmm"},
		},
		{
			name: "json array",
			raw:  `[true]`,
			want: Review{Critique: `[true]`, NextAction: FallbackNextAction},
		},
		{
			name: "wrong field type",
			raw:  `{"approved": "yes"}`,
			want: Review{Critique: `{"approved": "yes"}`, NextAction: FallbackNextAction},
		},
		{
			name: "empty",
			raw:  "",
			want: Review{NextAction: FallbackNextAction},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseReview(tt.raw))
		})
	}
}
