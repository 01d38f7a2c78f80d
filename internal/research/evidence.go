package research

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// SourceSearchError marks the finding recorded for a failed web search.
	SourceSearchError = "search:error"
	// SourceResearcher marks the researcher's narrative summary.
	SourceResearcher = "researcher"
)

// Research gathers evidence for every plan step and every search-like tool,
// then appends a narrative summary. Evidence calls run concurrently; findings
// are appended in plan-step order followed by tool order.
func (s *Stages) Research(ctx context.Context, state RunState) (Update, error) {
	steps := state.Plan
	if len(steps) == 0 {
		steps = []string{DefaultResearchStep}
	}
	tools := s.evidenceTools(ctx)
	if err := ctx.Err(); err != nil {
		return Update{}, err
	}

	web := make([][]Finding, len(steps))
	fromTools := make([]Finding, len(tools))

	// Evidence failures become findings; only cancellation fails the group.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	if s.search != nil {
		for i, step := range steps {
			g.Go(func() error {
				web[i] = s.searchWeb(gctx, state.Query+" :: "+step)
				return gctx.Err()
			})
		}
	}
	for i, name := range tools {
		g.Go(func() error {
			fromTools[i] = s.callTool(gctx, name, state.Query)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return Update{}, err
	}

	var gathered []Finding
	for _, fs := range web {
		gathered = append(gathered, fs...)
	}
	gathered = append(gathered, fromTools...)

	blobs := make([]string, 0, len(gathered))
	for _, f := range gathered {
		blobs = append(blobs, f.Source+": "+f.Content)
	}
	evidence := strings.Join(blobs, "\n\n")
	if evidence == "" {
		evidence = "No external evidence gathered yet"
	}

	summary, err := s.models.Researcher.Complete(ctx,
		researchPrompt(state.Query, strings.Join(steps, "\n"), evidence))
	if err != nil {
		return Update{}, err
	}

	findings := make([]Finding, 0, len(state.Findings)+len(gathered)+1)
	findings = append(findings, state.Findings...)
	findings = append(findings, gathered...)
	findings = append(findings, Finding{
		Source:     SourceResearcher,
		Content:    summary,
		Confidence: ConfidenceSummary,
		CapturedAt: s.now(),
	})

	s.logger.Debug("evidence gathered",
		zap.Int("steps", len(steps)),
		zap.Int("tools", len(tools)),
		zap.Int("new_findings", len(gathered)+1),
	)
	return Update{
		Findings:   findings,
		Transcript: []Message{s.message(StageResearch, summary)},
	}, nil
}

// evidenceTools starts the gateway and returns the tools whose name mentions
// search or rag. A gateway that fails to start contributes no tools.
func (s *Stages) evidenceTools(ctx context.Context) []string {
	if s.tools == nil {
		return nil
	}
	if err := s.tools.Start(ctx); err != nil {
		if !isCancellation(ctx, err) {
			s.logger.Warn("tool gateway unavailable, continuing without tools", zap.Error(err))
		}
		return nil
	}

	var out []string
	for _, name := range s.tools.AvailableTools() {
		lower := strings.ToLower(name)
		if strings.Contains(lower, "search") || strings.Contains(lower, "rag") {
			out = append(out, name)
		}
	}
	return out
}

func (s *Stages) searchWeb(ctx context.Context, query string) []Finding {
	results, err := s.search.Search(ctx, query, s.searchResults)
	if err != nil {
		if !isCancellation(ctx, err) {
			s.logger.Warn("web search failed", zap.String("query", query), zap.Error(err))
		}
		return []Finding{{
			Source:     SourceSearchError,
			Content:    fmt.Sprintf("Search failed for %q: %v", query, err),
			Confidence: ConfidenceSearchError,
			CapturedAt: s.now(),
		}}
	}
	if len(results) > s.searchResults {
		results = results[:s.searchResults]
	}

	out := make([]Finding, 0, len(results))
	for _, r := range results {
		out = append(out, Finding{
			Source:     r.URL,
			Content:    r.Content,
			Confidence: clampConfidence(r.Score),
			CapturedAt: s.now(),
		})
	}
	return out
}

func (s *Stages) callTool(ctx context.Context, name, query string) Finding {
	source := "mcp:" + name
	out, err := s.tools.Invoke(ctx, name, map[string]any{"query": query})
	if err != nil {
		if !isCancellation(ctx, err) {
			s.logger.Warn("tool invocation failed", zap.String("tool", name), zap.Error(err))
		}
		return Finding{Source: source, Content: err.Error(), Confidence: ConfidenceToolFailure, CapturedAt: s.now()}
	}
	return Finding{Source: source, Content: out, Confidence: ConfidenceTool, CapturedAt: s.now()}
}

func clampConfidence(score float64) float64 {
	switch {
	case score > 1:
		return 1
	case score < 0:
		return 0
	default:
		return score
	}
}
