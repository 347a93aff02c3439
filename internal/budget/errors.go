package budget

import (
	"errors"
	"fmt"
)

// Validation and capacity failures. All are returned before anything is sent
// to the backend.
var (
	// ErrEmptyMessage reports a user or assistant message that is empty or
	// whitespace-only.
	ErrEmptyMessage = errors.New("budget: messages must not be empty")

	// ErrUnbalancedTurns reports a request whose user message count is not
	// exactly one more than its assistant message count.
	ErrUnbalancedTurns = errors.New("budget: expected one more user message than assistant messages")

	// ErrRequestTooLarge reports a request that exceeds the context window
	// even after every completed turn was evicted.
	ErrRequestTooLarge = errors.New("budget: input larger than context window")

	// ErrUnknownModel reports a model identifier with no profile.
	ErrUnknownModel = errors.New("budget: unknown model")

	// ErrCancelled reports that the caller cancelled (or timed out) the
	// dispatch. No partial result is returned.
	ErrCancelled = errors.New("budget: dispatch cancelled")
)

// DispatchError is a failure reported by the completion backend. StatusCode
// and Message are passed through unchanged.
type DispatchError struct {
	// StatusCode is the backend status, or zero when none was reported.
	StatusCode int

	// Message is the backend's error message.
	Message string

	// Err is the error returned by the backend.
	Err error
}

// Error implements error.
func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("budget: dispatch failed with status %d: %s", e.StatusCode, e.Message)
	}
	return "budget: dispatch failed: " + e.Message
}

// Unwrap returns the backend error.
func (e *DispatchError) Unwrap() error { return e.Err }
