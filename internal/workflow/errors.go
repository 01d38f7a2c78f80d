package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidGraph is returned when a graph references unknown nodes or
	// has no entry point.
	ErrInvalidGraph = errors.New("invalid workflow graph")

	// ErrStepLimit is returned when a run executes more stages than its
	// loop bound allows.
	ErrStepLimit = errors.New("workflow step limit exceeded")

	// ErrEmptyQuery is returned for a blank research question.
	ErrEmptyQuery = errors.New("research query is required")
)

// StageError reports the stage a run failed in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
