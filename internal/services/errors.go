package services

import "errors"

// Sentinel errors shared across the pipeline. Callers discriminate with
// errors.Is; controllers map them onto HTTP status codes.
var (
	// ErrNotFound means the referenced run, fix or clarification does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a reviewer decision was already recorded for the fix.
	ErrConflict = errors.New("decision already recorded")

	// ErrInsufficientInformation means analysis cannot proceed without an
	// answer from a human.
	ErrInsufficientInformation = errors.New("insufficient information")

	// ErrClarificationTimeout means a suspended analysis waited too long
	// for its answer.
	ErrClarificationTimeout = errors.New("clarification timed out")

	// ErrExternalUnavailable means an upstream service (LLM, GitHub) could
	// not be reached after retries.
	ErrExternalUnavailable = errors.New("external service unavailable")

	// ErrPublishFailed means the approved fix could not be published; the
	// approval itself still stands.
	ErrPublishFailed = errors.New("publish failed")
)

// ClarificationNeeded carries the question the pipeline wants answered
// before it can continue. It unwraps to ErrInsufficientInformation.
type ClarificationNeeded struct {
	Question string
}

func (e *ClarificationNeeded) Error() string {
	return "clarification needed: " + e.Question
}

func (e *ClarificationNeeded) Unwrap() error {
	return ErrInsufficientInformation
}
