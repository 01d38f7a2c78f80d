package workflow

import (
	"fmt"

	"github.com/fyrsmithlabs/deepresearch/internal/research"
)

// End is the terminal pseudo-node.
const End = "__end__"

// Routes out of the review stage.
const (
	RouteRevise   = "revise"
	RouteComplete = "complete"
)

// Router picks a route key from the state after a node ran.
type Router func(state research.RunState) string

type conditionalEdge struct {
	route   Router
	targets map[string]string
}

// Graph is a directed graph of stages.
type Graph struct {
	entry       string
	nodes       map[string]research.Stage
	edges       map[string]string
	conditional map[string]conditionalEdge
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:       make(map[string]research.Stage),
		edges:       make(map[string]string),
		conditional: make(map[string]conditionalEdge),
	}
}

// AddNode registers a stage under name.
func (g *Graph) AddNode(name string, stage research.Stage) {
	g.nodes[name] = stage
}

// SetEntryPoint sets the first node.
func (g *Graph) SetEntryPoint(name string) {
	g.entry = name
}

// AddEdge adds a static edge. to may be End.
func (g *Graph) AddEdge(from, to string) {
	g.edges[from] = to
}

// AddConditionalEdge routes from a node through route; targets maps each
// route key to a node or End.
func (g *Graph) AddConditionalEdge(from string, route Router, targets map[string]string) {
	g.conditional[from] = conditionalEdge{route: route, targets: targets}
}

// Validate checks that every edge names a known node and every node has
// exactly one way out.
func (g *Graph) Validate() error {
	if g.entry == "" {
		return fmt.Errorf("%w: no entry point", ErrInvalidGraph)
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("%w: unknown entry point %q", ErrInvalidGraph, g.entry)
	}
	known := func(name string) bool {
		_, ok := g.nodes[name]
		return ok || name == End
	}

	for name, stage := range g.nodes {
		if stage == nil {
			return fmt.Errorf("%w: node %q has no stage", ErrInvalidGraph, name)
		}
		_, static := g.edges[name]
		_, cond := g.conditional[name]
		if static == cond {
			return fmt.Errorf("%w: node %q needs exactly one outgoing edge", ErrInvalidGraph, name)
		}
	}
	for from, to := range g.edges {
		if !known(from) || !known(to) {
			return fmt.Errorf("%w: edge %s -> %s references an unknown node", ErrInvalidGraph, from, to)
		}
	}
	for from, c := range g.conditional {
		if !known(from) || c.route == nil || len(c.targets) == 0 {
			return fmt.Errorf("%w: conditional edge from %s is incomplete", ErrInvalidGraph, from)
		}
		for key, to := range c.targets {
			if !known(to) {
				return fmt.Errorf("%w: route %s from %s targets unknown node %q", ErrInvalidGraph, key, from, to)
			}
		}
	}
	return nil
}

// next returns the node after from given state.
func (g *Graph) next(from string, state research.RunState) (string, error) {
	if to, ok := g.edges[from]; ok {
		return to, nil
	}
	c := g.conditional[from]
	key := c.route(state)
	to, ok := c.targets[key]
	if !ok {
		return "", fmt.Errorf("%w: route %q from %s has no target", ErrInvalidGraph, key, from)
	}
	return to, nil
}

// ReviewRouter loops back while the state needs revision and fewer than
// maxLoops revisions have been taken. The first review is not a revision, so
// a run makes at most maxLoops+1 research passes.
func ReviewRouter(maxLoops int) Router {
	return func(state research.RunState) string {
		revisions := state.LoopCount - 1
		if state.NeedsRevision && revisions < maxLoops {
			return RouteRevise
		}
		return RouteComplete
	}
}

// NewResearchGraph wires the five research stages. stages must contain every
// stage name from the research package.
func NewResearchGraph(stages map[string]research.Stage, maxLoops int) (*Graph, error) {
	g := NewGraph()
	for _, name := range []string{
		research.StageScope, research.StagePlan, research.StageResearch,
		research.StageSynthesize, research.StageReview,
	} {
		stage, ok := stages[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing stage %q", ErrInvalidGraph, name)
		}
		g.AddNode(name, stage)
	}

	g.SetEntryPoint(research.StageScope)
	g.AddEdge(research.StageScope, research.StagePlan)
	g.AddEdge(research.StagePlan, research.StageResearch)
	g.AddEdge(research.StageResearch, research.StageSynthesize)
	g.AddEdge(research.StageSynthesize, research.StageReview)
	g.AddConditionalEdge(research.StageReview, ReviewRouter(maxLoops), map[string]string{
		RouteRevise:   research.StageResearch,
		RouteComplete: End,
	})

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
