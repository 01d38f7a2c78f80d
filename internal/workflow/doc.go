// Package workflow drives research runs through the stage graph.
//
// # Graph
//
// A Graph holds named stages, static edges and at most one conditional edge
// per node. The research graph is
//
//	scope → plan → research → synthesize → review ─┬─ revise ──→ research
//	                                                └─ complete ─→ End
//
// Review routes back to research while the state needs revision and fewer
// than MaxLoops revisions have been taken, so a run makes at most MaxLoops+1
// research passes. A run that hits the bound ends with
// NeedsRevision still set; RunResult.Converged tells the two endings apart.
//
// # Engine
//
// Engine.Run executes the graph to completion, hands the final state to the
// run logger and returns a RunResult. Engine.RunStream does the same but
// reports every completed stage on a channel before the final result.
//
// Stages run strictly one after another. Each stage gets its own span
// (workflow.stage.<name>) and a sample in the stage duration histogram.
//
// # Pipeline
//
// Pipeline wires an Engine from configuration: completion models, web search,
// the MCP tool gateway and the run logger.
package workflow
