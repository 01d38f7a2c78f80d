package research

import (
	"fmt"

	"github.com/fyrsmithlabs/deepresearch/internal/llm"
)

const (
	scoperSystem = "You are the Scoper in a deep research team. " +
		"Clarify the research question, capture the key sub-questions, " +
		"and highlight knowledge gaps. Respond with markdown headings."

	plannerSystem = "You are the Planner agent. Produce an ordered list of steps that the " +
		"research team should execute, one step per line. Include tooling suggestions when possible."

	researcherSystem = "You are the Researcher agent. Combine browsing, MCP tools, and reasoning " +
		"to produce fresh findings. Each finding should include the source and a concise quote. " +
		"If you cannot access tools you may reason hypothetically but state so."

	synthesizerSystem = "You are the Synthesizer agent. Turn the findings into a final report that " +
		"answers the research question. Structure it with sections and highlight " +
		"open questions. The audience is an executive technical reader."

	reviewerSystem = "You are the Reviewer agent. Provide actionable critique on the draft report " +
		"and decide whether another research loop is needed. Respond only with a JSON object " +
		`of the form {"approved": bool, "critique": string, "next_action": string}.`
)

func scopePrompt(query, scope, history string) llm.Prompt {
	return llm.Prompt{
		System: scoperSystem,
		User: fmt.Sprintf("Research question: %s\nCurrent scope (if any): %s\nConversation summary: %s",
			query, scope, history),
	}
}

func planPrompt(query, scope, findings string) llm.Prompt {
	return llm.Prompt{
		System: plannerSystem,
		User:   fmt.Sprintf("Question: %s\nScope: %s\nKey prior findings: %s", query, scope, findings),
	}
}

func researchPrompt(query, plan, evidence string) llm.Prompt {
	return llm.Prompt{
		System: researcherSystem,
		User:   fmt.Sprintf("Question: %s\nPlan focus: %s\nExisting findings: %s", query, plan, evidence),
	}
}

func synthesizePrompt(query, scope, findings string) llm.Prompt {
	return llm.Prompt{
		System: synthesizerSystem,
		User:   fmt.Sprintf("Question: %s\nScope: %s\nFindings: %s", query, scope, findings),
	}
}

func reviewPrompt(query, report string) llm.Prompt {
	return llm.Prompt{
		System: reviewerSystem,
		User:   fmt.Sprintf("Question: %s\nDraft report: %s", query, report),
	}
}
