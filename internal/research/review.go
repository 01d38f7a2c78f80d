package research

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// FallbackNextAction is the next action of a review whose output could not
// be parsed.
const FallbackNextAction = "Revise and retry"

// Review critiques the draft report. Without a draft it requests another
// pass without calling the model. Either way LoopCount advances by one.
func (s *Stages) Review(ctx context.Context, state RunState) (Update, error) {
	next := state.LoopCount + 1
	if state.DraftReport == "" {
		return Update{NeedsRevision: ptr(true), LoopCount: ptr(next)}, nil
	}

	raw, err := s.models.Reviewer.Complete(ctx, reviewPrompt(state.Query, state.DraftReport))
	if err != nil {
		return Update{}, err
	}
	review := ParseReview(raw)

	body, err := json.MarshalIndent(review, "", "  ")
	if err != nil {
		return Update{}, err
	}
	return Update{
		Review:        &review,
		NeedsRevision: ptr(!review.Approved),
		LoopCount:     ptr(next),
		Transcript:    []Message{s.message(StageReview, string(body))},
	}, nil
}

// ParseReview decodes a reviewer response. The response must be a JSON
// object, optionally inside a markdown code fence. Anything else yields an
// unapproved review whose critique is the raw text.
func ParseReview(raw string) Review {
	review, err := decodeReview(raw)
	if err != nil {
		return Review{Approved: false, Critique: raw, NextAction: FallbackNextAction}
	}
	return review
}

func decodeReview(raw string) (Review, error) {
	body := stripCodeFence(raw)
	if !strings.HasPrefix(body, "{") {
		return Review{}, errors.New("review is not a JSON object")
	}
	var r Review
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return Review{}, err
	}
	return r, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
