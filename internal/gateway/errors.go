package gateway

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoTools is returned by Invoke when no provider exposed any tool.
	ErrNoTools = errors.New("no MCP tools available")

	// ErrToolNotFound matches a ToolResolutionError of kind ResolutionNotFound.
	ErrToolNotFound = errors.New("tool not found")

	// ErrAmbiguousTool matches a ToolResolutionError of kind ResolutionAmbiguous.
	ErrAmbiguousTool = errors.New("tool name is ambiguous")
)

// ResolutionKind says why a tool name could not be resolved.
type ResolutionKind string

const (
	ResolutionNotFound  ResolutionKind = "not_found"
	ResolutionAmbiguous ResolutionKind = "ambiguous"
)

// ToolResolutionError reports a name that matched no tool or several.
type ToolResolutionError struct {
	Name    string
	Kind    ResolutionKind
	Matches []string
}

func (e *ToolResolutionError) Error() string {
	if e.Kind == ResolutionAmbiguous {
		return fmt.Sprintf("tool name %q is ambiguous: [%s]", e.Name, strings.Join(e.Matches, ", "))
	}
	return fmt.Sprintf("tool %q not found in MCP registry", e.Name)
}

// Is maps the kind onto ErrToolNotFound or ErrAmbiguousTool.
func (e *ToolResolutionError) Is(target error) bool {
	switch target {
	case ErrToolNotFound:
		return e.Kind == ResolutionNotFound
	case ErrAmbiguousTool:
		return e.Kind == ResolutionAmbiguous
	}
	return false
}
