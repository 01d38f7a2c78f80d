// Package research implements the five stages of a research run.
//
// # Stages
//
// Each stage is a function from the current RunState to an Update:
//
//	scope → plan → research → synthesize → review
//
// Scope and plan refine the question. Research gathers evidence from web
// search and from MCP tools whose names mention "search" or "rag", then asks
// the researcher model for a narrative summary. Synthesize drafts the report
// from the most recent findings. Review critiques the draft and decides
// whether another research pass is needed.
//
// # Degraded Evidence
//
// A failing search call or tool call never fails the stage. It becomes a
// Finding with low confidence so the failure is visible in the run log.
// Likewise a reviewer response that is not valid JSON becomes an unapproved
// Review carrying the raw text.
//
// # Models
//
// Stages receive their Completers through llm.Roles. No model is looked up
// from global state.
package research
