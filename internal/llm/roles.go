package llm

import (
	"fmt"

	"github.com/fyrsmithlabs/deepresearch/internal/config"
)

// Roles maps every research role to its Completer.
type Roles struct {
	Scoper      Completer
	Planner     Completer
	Researcher  Completer
	Synthesizer Completer
	Reviewer    Completer
}

// NewRoles builds one Model per distinct identifier in models and assigns it
// to each role that names it.
func NewRoles(models config.ModelsConfig, opts Options) (Roles, error) {
	cache := make(map[string]*Model)
	build := func(role, id string) (Completer, error) {
		if m, ok := cache[id]; ok {
			return m, nil
		}
		m, err := New(id, opts)
		if err != nil {
			return nil, fmt.Errorf("%s model: %w", role, err)
		}
		cache[id] = m
		return m, nil
	}

	var (
		roles Roles
		err   error
	)
	if roles.Scoper, err = build("scoper", models.Scoper); err != nil {
		return Roles{}, err
	}
	if roles.Planner, err = build("planner", models.Planner); err != nil {
		return Roles{}, err
	}
	if roles.Researcher, err = build("researcher", models.Researcher); err != nil {
		return Roles{}, err
	}
	if roles.Synthesizer, err = build("synthesizer", models.Synthesizer); err != nil {
		return Roles{}, err
	}
	if roles.Reviewer, err = build("reviewer", models.Reviewer); err != nil {
		return Roles{}, err
	}
	return roles, nil
}

// Uniform assigns the same Completer to every role.
func Uniform(c Completer) Roles {
	return Roles{Scoper: c, Planner: c, Researcher: c, Synthesizer: c, Reviewer: c}
}

// Validate reports a role without a Completer.
func (r Roles) Validate() error {
	for name, c := range map[string]Completer{
		"scoper": r.Scoper, "planner": r.Planner, "researcher": r.Researcher,
		"synthesizer": r.Synthesizer, "reviewer": r.Reviewer,
	} {
		if c == nil {
			return fmt.Errorf("no completer for role %s", name)
		}
	}
	return nil
}
