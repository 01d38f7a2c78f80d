package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyResponse is returned when a backend answers with no choices.
	ErrEmptyResponse = errors.New("empty completion response")
)

// ConfigurationError reports a model identifier that cannot be turned into a
// completion backend. It is never retried.
type ConfigurationError struct {
	Model  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("llm configuration error for %q: %s", e.Model, e.Reason)
}
