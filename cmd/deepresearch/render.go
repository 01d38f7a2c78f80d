package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fyrsmithlabs/deepresearch/internal/gateway"
	"github.com/fyrsmithlabs/deepresearch/internal/research"
	"github.com/fyrsmithlabs/deepresearch/internal/workflow"
)

var (
	// Section title style - bold bright cyan
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	approvedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	revisionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	reportStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

// maxListedFindings bounds the findings printed under a report.
const maxListedFindings = 10

// renderResult writes the final report, the review verdict and the top
// findings.
func renderResult(w io.Writer, res *workflow.RunResult) {
	state := res.State

	fmt.Fprintln(w, titleStyle.Render("Research report"))
	report := state.DraftReport
	if strings.TrimSpace(report) == "" {
		report = dimStyle.Render("(no report produced)")
	}
	fmt.Fprintln(w, reportStyle.Render(report))

	fmt.Fprintln(w, titleStyle.Render("Review"))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("status:"), verdict(res))
	if state.Review != nil && state.Review.Critique != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("critique:"), state.Review.Critique)
	}
	fmt.Fprintf(w, "%s %d\n", labelStyle.Render("review passes:"), state.LoopCount)

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Findings (%d)", len(state.Findings))))
	for i, f := range state.Findings {
		if i == maxListedFindings {
			fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("... %d more", len(state.Findings)-maxListedFindings)))
			break
		}
		fmt.Fprintf(w, "  %s %s %s\n",
			labelStyle.Render(fmt.Sprintf("[%.2f]", f.Confidence)),
			research.Clip(f.Source, 80),
			dimStyle.Render(research.Clip(oneLine(f.Content), 100)),
		)
	}

	fmt.Fprintf(w, "\n%s %s\n", dimStyle.Render("run:"), res.RunID)
	if res.LogLocation != "" {
		fmt.Fprintf(w, "%s %s\n", dimStyle.Render("log:"), res.LogLocation)
	}
}

func verdict(res *workflow.RunResult) string {
	if res.Converged {
		return approvedStyle.Render("✓ approved")
	}
	return revisionStyle.Render("⚠ revision limit reached, showing latest draft")
}

// renderStage writes one progress line for a completed stage.
func renderStage(w io.Writer, ev workflow.Event) {
	detail := ""
	if u := ev.Update; u != nil {
		switch {
		case u.Review != nil:
			if u.Review.Approved {
				detail = "approved"
			} else {
				detail = "revision requested"
			}
		case u.DraftReport != nil:
			detail = fmt.Sprintf("%d chars drafted", len(*u.DraftReport))
		case u.Findings != nil:
			detail = fmt.Sprintf("%d findings", len(u.Findings))
		case u.Plan != nil:
			detail = fmt.Sprintf("%d steps", len(u.Plan))
		case u.Scope != nil:
			detail = research.Clip(oneLine(*u.Scope), 80)
		case u.NeedsRevision != nil && *u.NeedsRevision:
			detail = "no draft to review"
		}
	}
	fmt.Fprintf(w, "%s %s %s\n", approvedStyle.Render("•"), labelStyle.Render(ev.Stage), dimStyle.Render(detail))
}

// renderTools writes the tool list as aligned columns.
func renderTools(w io.Writer, tools []gateway.ToolDescriptor) {
	if len(tools) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no MCP tools available"))
		return
	}
	width := 0
	for _, t := range tools {
		width = max(width, len(t.QualifiedName))
	}
	name := lipgloss.NewStyle().Width(width + 2)
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Tools (%d)", len(tools))))
	for _, t := range tools {
		fmt.Fprintf(w, "  %s%s\n", name.Render(t.QualifiedName), dimStyle.Render(oneLine(t.Description)))
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
