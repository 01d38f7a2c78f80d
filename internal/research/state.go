package research

import "time"

// Stage names, in graph order.
const (
	StageScope      = "scope"
	StagePlan       = "plan"
	StageResearch   = "research"
	StageSynthesize = "synthesize"
	StageReview     = "review"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Finding is one piece of evidence. Findings are appended, never edited.
type Finding struct {
	Source     string    `json:"source"`
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence"`
	CapturedAt time.Time `json:"captured_at"`
}

// Review is the reviewer's verdict on a draft report.
type Review struct {
	Approved   bool   `json:"approved"`
	Critique   string `json:"critique"`
	NextAction string `json:"next_action,omitempty"`
}

// Message is one transcript entry. Name is the stage that produced it.
type Message struct {
	Role      string    `json:"role"`
	Name      string    `json:"name,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// RunState is the state threaded through the stages of one run.
type RunState struct {
	Query         string    `json:"query"`
	Scope         string    `json:"scope,omitempty"`
	Plan          []string  `json:"plan"`
	Findings      []Finding `json:"findings"`
	DraftReport   string    `json:"draft_report,omitempty"`
	Review        *Review   `json:"review,omitempty"`
	NeedsRevision bool      `json:"needs_revision"`
	LoopCount     int       `json:"loop_count"`
	Transcript    []Message `json:"transcript"`
}

// NewRunState returns the initial state for query. The transcript opens with
// the research question, followed by the optional metadata line.
func NewRunState(query, scope, metadata string, now time.Time) RunState {
	transcript := []Message{{Role: RoleUser, Content: "Research question: " + query, CreatedAt: now}}
	if metadata != "" {
		transcript = append(transcript, Message{Role: RoleUser, Content: metadata, CreatedAt: now})
	}
	return RunState{
		Query:      query,
		Scope:      scope,
		Plan:       []string{},
		Findings:   []Finding{},
		Transcript: transcript,
	}
}

// Clone returns a copy that shares no slices with s.
func (s RunState) Clone() RunState {
	out := s
	out.Plan = append([]string(nil), s.Plan...)
	out.Findings = append([]Finding(nil), s.Findings...)
	out.Transcript = append([]Message(nil), s.Transcript...)
	if s.Review != nil {
		r := *s.Review
		out.Review = &r
	}
	return out
}

// Update is the partial state a stage returns. Nil fields are left alone.
// Plan and Findings replace the current value; Transcript is appended.
type Update struct {
	Scope         *string   `json:"scope,omitempty"`
	Plan          []string  `json:"plan,omitempty"`
	Findings      []Finding `json:"findings,omitempty"`
	DraftReport   *string   `json:"draft_report,omitempty"`
	Review        *Review   `json:"review,omitempty"`
	NeedsRevision *bool     `json:"needs_revision,omitempty"`
	LoopCount     *int      `json:"loop_count,omitempty"`
	Transcript    []Message `json:"transcript,omitempty"`
}

// Apply merges u into s.
func (s *RunState) Apply(u Update) {
	if u.Scope != nil {
		s.Scope = *u.Scope
	}
	if u.Plan != nil {
		s.Plan = u.Plan
	}
	if u.Findings != nil {
		s.Findings = u.Findings
	}
	if u.DraftReport != nil {
		s.DraftReport = *u.DraftReport
	}
	if u.Review != nil {
		s.Review = u.Review
	}
	if u.NeedsRevision != nil {
		s.NeedsRevision = *u.NeedsRevision
	}
	if u.LoopCount != nil {
		s.LoopCount = *u.LoopCount
	}
	s.Transcript = append(s.Transcript, u.Transcript...)
}

func ptr[T any](v T) *T { return &v }
