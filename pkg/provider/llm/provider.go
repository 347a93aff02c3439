// Package llm defines the Provider interface for chat-completion backends.
//
// A provider wraps a remote model API (e.g., OpenAI, Azure OpenAI, or any
// vendor reachable through any-llm-go) and exposes a single non-streaming
// completion call addressed by deployment name. Token budgeting happens
// before a request reaches a provider; providers send exactly the messages
// they are given.
//
// Implementors must be safe for concurrent use and must return promptly when
// the supplied context is cancelled.
package llm

import (
	"context"
	"fmt"
)

// Role tags a message with the conversational party that authored it.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single role-tagged entry of a chat request.
type Message struct {
	Role    Role
	Content string
}

// Usage holds token accounting reported by the backend itself. It is
// informational only; callers that need exact budgeting recompute counts
// with their own tokenizer.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything a backend needs to produce a reply.
type CompletionRequest struct {
	// Deployment selects the hosted model instance serving the request.
	Deployment string

	// Messages is the ordered, role-tagged conversation. At most one system
	// message appears and it comes first; the last message is from the user.
	Messages []Message

	// MaxTokens caps the number of completion tokens. Zero means the
	// backend default.
	MaxTokens int
}

// CompletionResponse is the backend's reply to a [CompletionRequest].
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// StatusCode is the raw status of the backend round trip (HTTP status for
	// HTTP backends).
	StatusCode int

	// Usage is the backend-reported token accounting, if any.
	Usage Usage
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// Complete sends req to the backend and waits for the full response.
	// Backend-reported failures should be returned as (or wrap) an
	// [*APIError] so callers can surface the status code.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// APIError is a failure reported by the backend, carrying its status code and
// message verbatim.
type APIError struct {
	// StatusCode is the backend status. Zero when the backend did not report
	// one (e.g., transport failures).
	StatusCode int

	// Message is the backend's error message.
	Message string

	// Err is the underlying SDK error, if any.
	Err error
}

// Error implements error.
func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm: backend status %d: %s", e.StatusCode, e.Message)
	}
	return "llm: backend error: " + e.Message
}

// Unwrap returns the underlying SDK error.
func (e *APIError) Unwrap() error { return e.Err }
