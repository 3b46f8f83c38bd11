package monitor

import (
	"context"
	"errors"
)

// Error taxonomy. Stages wrap these with fmt.Errorf("...: %w", ErrX) so callers
// can classify with errors.Is.
var (
	// ErrAuth marks token decrypt or refresh failures.
	ErrAuth = errors.New("auth error")
	// ErrRender marks a failed headless render. The adapter swallows it.
	ErrRender = errors.New("render error")
	// ErrExtraction marks unparseable search markup.
	ErrExtraction = errors.New("extraction error")
	// ErrValidation marks a malformed external payload. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrAnalysis marks an unusable analysis response. Replaced by defaults.
	ErrAnalysis = errors.New("analysis error")
	// ErrTransient marks network failures and timeouts eligible for retry.
	ErrTransient = errors.New("transient error")

	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned by stores on a uniqueness violation.
	ErrDuplicate = errors.New("duplicate")
	// ErrStaleCredential is returned when a token compare-and-swap loses a race.
	ErrStaleCredential = errors.New("stale credential")
	// ErrPersonaInUse is returned when deleting a persona still referenced by a rule.
	ErrPersonaInUse = errors.New("persona in use")
)

// Retryable reports whether a job that failed with err may be attempted again.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}
