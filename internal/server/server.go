// Package server exposes the budget manager over HTTP.
//
// Routes:
//
//   - POST /v1/completions: fit and dispatch a chat request.
//   - GET /v1/models: list the configured model profiles.
//
// Every response to /v1/completions uses the same envelope:
//
//	{"tokens_used": 46, "status_code": 200, "message": "SELECT 1;"}
//
// On failure tokens_used is zero, status_code equals the HTTP status and
// message describes the problem.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/nlquery/internal/budget"
	"github.com/MrWong99/nlquery/internal/observe"
)

// maxBodyBytes caps the size of a completion request body.
const maxBodyBytes = 8 << 20

// Client-facing messages for validation failures.
const (
	msgEmptyMessage   = "Messages can not be empty."
	msgUnbalanced     = "No user message."
	msgTooLarge       = "Input size larger than context window."
	msgUnknownModel   = "Unknown model."
	msgCancelled      = "Request cancelled."
	msgInternal       = "Internal error."
	msgBackendFailure = "Completion backend failed."
)

// Completer fits and dispatches a chat request. *budget.Manager satisfies it.
type Completer interface {
	Complete(ctx context.Context, req budget.Request) (*budget.Result, error)
}

// CompletionRequest is the JSON body of POST /v1/completions.
type CompletionRequest struct {
	Model             string   `json:"model,omitempty"`
	SystemMessage     string   `json:"system_message,omitempty"`
	UserMessages      []string `json:"user_messages"`
	AssistantMessages []string `json:"assistant_messages"`
}

// CompletionResponse is the JSON envelope returned by POST /v1/completions.
type CompletionResponse struct {
	TokensUsed int    `json:"tokens_used"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

// ModelInfo describes one profile in GET /v1/models.
type ModelInfo struct {
	ID              string `json:"id"`
	Deployment      string `json:"deployment"`
	ContextWindow   int    `json:"context_window"`
	MaxOutputTokens int    `json:"max_output_tokens"`
	Default         bool   `json:"default"`
}

// Handler serves the completion API.
type Handler struct {
	completer Completer
	profiles  *budget.Profiles
	timeout   time.Duration
}

// Option is a functional option for Handler.
type Option func(*Handler)

// WithRequestTimeout bounds each completion round trip. Zero disables the
// bound; the request context still applies.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.timeout = d
	}
}

// New creates a Handler.
func New(c Completer, profiles *budget.Profiles, opts ...Option) *Handler {
	h := &Handler{completer: c, profiles: profiles}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/completions", h.Completions)
	mux.HandleFunc("GET /v1/models", h.Models)
}

// Completions handles POST /v1/completions.
func (h *Handler) Completions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large.")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	res, err := h.completer.Complete(ctx, budget.Request{
		Model:             req.Model,
		SystemMessage:     req.SystemMessage,
		UserMessages:      req.UserMessages,
		AssistantMessages: req.AssistantMessages,
	})
	if err != nil {
		status, msg := classify(err)
		if status >= http.StatusInternalServerError {
			observe.Logger(ctx).Error("completion failed", "model", req.Model, "status", status, "err", err)
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, CompletionResponse{
		TokensUsed: res.TokensUsed,
		StatusCode: res.StatusCode,
		Message:    res.Message,
	})
}

// Models handles GET /v1/models.
func (h *Handler) Models(w http.ResponseWriter, _ *http.Request) {
	def := h.profiles.Default().ID
	all := h.profiles.All()
	out := make([]ModelInfo, 0, len(all))
	for _, p := range all {
		out = append(out, ModelInfo{
			ID:              p.ID,
			Deployment:      p.Deployment,
			ContextWindow:   p.ContextWindow,
			MaxOutputTokens: p.MaxOutputTokens,
			Default:         p.ID == def,
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Models []ModelInfo `json:"models"`
	}{out})
}

// classify maps a budget error to an HTTP status and client message.
func classify(err error) (int, string) {
	var de *budget.DispatchError
	switch {
	case errors.Is(err, budget.ErrEmptyMessage):
		return http.StatusBadRequest, msgEmptyMessage
	case errors.Is(err, budget.ErrUnbalancedTurns):
		return http.StatusBadRequest, msgUnbalanced
	case errors.Is(err, budget.ErrRequestTooLarge):
		return http.StatusBadRequest, msgTooLarge
	case errors.Is(err, budget.ErrUnknownModel):
		return http.StatusBadRequest, msgUnknownModel
	case errors.Is(err, budget.ErrCancelled):
		return http.StatusServiceUnavailable, msgCancelled
	case errors.As(err, &de):
		status := de.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		msg := de.Message
		if msg == "" {
			msg = msgBackendFailure
		}
		return status, msg
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, CompletionResponse{StatusCode: status, Message: msg})
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"message":"encoding error"}`, http.StatusInternalServerError)
	}
}
