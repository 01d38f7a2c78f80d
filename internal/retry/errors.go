package retry

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrQuotaExhausted matches any *QuotaExhaustedError via errors.Is.
var ErrQuotaExhausted = errors.New("provider reported zero available quota")

// QuotaExhaustedError reports that a provider has no quota left. It is never
// retried.
type QuotaExhaustedError struct {
	Err error
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("%s; switch models or enable billing: %v", ErrQuotaExhausted, e.Err)
}

func (e *QuotaExhaustedError) Unwrap() error { return e.Err }

// Is reports ErrQuotaExhausted as a match.
func (e *QuotaExhaustedError) Is(target error) bool {
	return target == ErrQuotaExhausted
}

// StatusError carries the HTTP status of a failed provider call.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status code: %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("status code: %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// StatusCode returns the HTTP status code.
func (e *StatusError) StatusCode() int { return e.Code }
