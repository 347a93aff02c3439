// Package budget fits multi-turn chat requests into a model's context window
// and dispatches them to a completion backend.
//
// A [Request] carries an optional system message, the completed user/assistant
// turns in chronological order and one final pending user message. [Manager]
// validates the request, counts every message with the model's tokenizer,
// evicts the oldest turns until the total (including the reserved output
// tokens) fits the context window, and assembles the ordered message list
// sent to the backend. After the backend replies, the reply is counted with
// the same tokenizer and deployment so that the reported usage matches what
// was actually sent.
//
// The Manager keeps no state between calls and is safe for concurrent use.
// It never retries a failed dispatch; retry is a policy of the caller or of a
// backend decorator such as the resilience package's failover provider.
package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/nlquery/internal/observe"
	"github.com/MrWong99/nlquery/pkg/provider/llm"
	"github.com/MrWong99/nlquery/pkg/tokenizer"
)

// Request is a candidate chat request.
type Request struct {
	// Model selects the [Profile]. Empty selects the default profile.
	Model string

	// SystemMessage is optional. A blank system message is treated as absent:
	// it is neither counted nor sent.
	SystemMessage string

	// UserMessages holds every user message in order. The last one is the
	// pending question; the Nth of the others was answered by the Nth
	// assistant message.
	UserMessages []string

	// AssistantMessages holds the replies to all but the last user message.
	AssistantMessages []string
}

// Fitted is a request trimmed to fit its profile's context window. It is
// produced by [Manager.Prepare] and consumed by [Manager.Dispatch].
type Fitted struct {
	profile  Profile
	messages []llm.Message
	evicted  int
	total    int
}

// Profile returns the profile the request was fitted for.
func (f *Fitted) Profile() Profile { return f.profile }

// Messages returns a copy of the ordered messages that will be sent: the
// system message (if any), every retained turn as a user/assistant pair, and
// the pending user message last.
func (f *Fitted) Messages() []llm.Message {
	out := make([]llm.Message, len(f.messages))
	copy(out, f.messages)
	return out
}

// Evicted returns the number of oldest turns dropped to fit the window.
func (f *Fitted) Evicted() int { return f.evicted }

// TotalTokens returns the retained input tokens plus the output reservation.
// It never exceeds the profile's context window.
func (f *Fitted) TotalTokens() int { return f.total }

// InputTokens returns the tokens of the retained messages alone.
func (f *Fitted) InputTokens() int { return f.total - f.profile.MaxOutputTokens }

// OutputBudget returns the tokens left in the context window after the
// retained messages. It is at least the profile's MaxOutputTokens.
func (f *Fitted) OutputBudget() int { return f.profile.ContextWindow - f.InputTokens() }

// Result is the outcome of a successful dispatch.
type Result struct {
	// TokensUsed is the retained input tokens plus the tokens of the reply.
	// The unused part of the output reservation is not included.
	TokensUsed int

	// StatusCode is the backend's raw status for the round trip.
	StatusCode int

	// Message is the backend's reply text, verbatim.
	Message string
}

// Manager budgets and dispatches chat requests.
type Manager struct {
	profiles  *Profiles
	tokenizer tokenizer.Tokenizer
	backend   llm.Provider
	metrics   *observe.Metrics
}

// Option configures a [Manager].
type Option func(*Manager)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// New creates a Manager. The same tokenizer is used for request and response
// accounting.
func New(profiles *Profiles, tok tokenizer.Tokenizer, backend llm.Provider, opts ...Option) (*Manager, error) {
	if profiles == nil {
		return nil, errors.New("budget: profiles must not be nil")
	}
	if tok == nil {
		return nil, errors.New("budget: tokenizer must not be nil")
	}
	if backend == nil {
		return nil, errors.New("budget: backend must not be nil")
	}
	m := &Manager{
		profiles:  profiles,
		tokenizer: tok,
		backend:   backend,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m, nil
}

// Profiles returns the profile set the Manager budgets against.
func (m *Manager) Profiles() *Profiles { return m.profiles }

// Complete prepares req and dispatches it.
func (m *Manager) Complete(ctx context.Context, req Request) (*Result, error) {
	fitted, err := m.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return m.Dispatch(ctx, fitted)
}

// Prepare validates req, evicts the oldest completed turns until the request
// fits its model's context window, and assembles the messages to send.
//
// Validation happens before any token is counted: an empty or
// whitespace-only message yields [ErrEmptyMessage], then a user count other
// than assistant count plus one yields [ErrUnbalancedTurns]. If the system
// message, pending message and output reservation alone exceed the window,
// [ErrRequestTooLarge] is returned.
func (m *Manager) Prepare(ctx context.Context, req Request) (_ *Fitted, err error) {
	profile, err := m.resolve(req.Model)
	if err != nil {
		m.metrics.RecordRejection(ctx, req.Model, "unknown_model")
		return nil, err
	}

	ctx, span := observe.StartSpan(ctx, "budget.prepare",
		trace.WithAttributes(observe.ModelAttrs(profile.ID, profile.Deployment)...),
	)
	defer func() { observe.EndSpan(span, err) }()

	if err := validate(req); err != nil {
		m.metrics.RecordRejection(ctx, profile.ID, rejectionReason(err))
		return nil, err
	}

	count := func(text string) (int, error) {
		n, err := m.tokenizer.CountTokens(profile.Deployment, text)
		if err != nil {
			return 0, fmt.Errorf("budget: count tokens for %q: %w", profile.Deployment, err)
		}
		return n, nil
	}

	hasSystem := strings.TrimSpace(req.SystemMessage) != ""
	total := profile.MaxOutputTokens
	if hasSystem {
		n, err := count(req.SystemMessage)
		if err != nil {
			return nil, err
		}
		total += n
	}
	userCost := make([]int, len(req.UserMessages))
	for i, msg := range req.UserMessages {
		if userCost[i], err = count(msg); err != nil {
			return nil, err
		}
		total += userCost[i]
	}
	assistantCost := make([]int, len(req.AssistantMessages))
	for i, msg := range req.AssistantMessages {
		if assistantCost[i], err = count(msg); err != nil {
			return nil, err
		}
		total += assistantCost[i]
	}

	// Evict whole turns from the front; first is the oldest retained turn.
	first := 0
	for first < len(assistantCost) && total > profile.ContextWindow {
		total -= userCost[first] + assistantCost[first]
		first++
	}

	span.SetAttributes(
		attribute.Int("budget.tokens.total", total),
		attribute.Int("budget.turns.evicted", first),
	)
	if total > profile.ContextWindow {
		m.metrics.RecordRejection(ctx, profile.ID, "too_large")
		observe.Logger(ctx).Debug("request exceeds context window",
			"model", profile.ID,
			"total_tokens", total,
			"context_window", profile.ContextWindow,
		)
		return nil, ErrRequestTooLarge
	}

	retained := len(req.AssistantMessages) - first
	msgs := make([]llm.Message, 0, 2*retained+2)
	if hasSystem {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: req.SystemMessage})
	}
	for i := first; i < len(req.AssistantMessages); i++ {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: req.UserMessages[i]},
			llm.Message{Role: llm.RoleAssistant, Content: req.AssistantMessages[i]},
		)
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.UserMessages[len(req.UserMessages)-1]})

	m.metrics.RecordEvictedTurns(ctx, profile.ID, first)
	observe.Logger(ctx).Debug("request fitted",
		"model", profile.ID,
		"total_tokens", total,
		"retained_turns", retained,
		"evicted_turns", first,
	)
	return &Fitted{
		profile:  profile,
		messages: msgs,
		evicted:  first,
		total:    total,
	}, nil
}

// Dispatch sends a fitted request to the backend and accounts for the reply.
//
// If ctx is done before or during the backend call, [ErrCancelled] is
// returned. A backend failure is returned as a [*DispatchError]; it is not
// retried.
func (m *Manager) Dispatch(ctx context.Context, f *Fitted) (_ *Result, err error) {
	if f == nil {
		return nil, errors.New("budget: dispatch of nil fitted request")
	}
	profile := f.profile
	if err := ctx.Err(); err != nil {
		m.metrics.RecordProviderError(ctx, profile.ID, "cancelled")
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	ctx, span := observe.StartSpan(ctx, "budget.dispatch",
		trace.WithAttributes(observe.ModelAttrs(profile.ID, profile.Deployment)...),
	)
	defer func() { observe.EndSpan(span, err) }()

	m.metrics.ActiveRequests.Add(ctx, 1)
	start := time.Now()
	resp, err := m.backend.Complete(ctx, llm.CompletionRequest{
		Deployment: profile.Deployment,
		Messages:   f.Messages(),
		MaxTokens:  profile.MaxOutputTokens,
	})
	elapsed := time.Since(start)
	m.metrics.ActiveRequests.Add(ctx, -1)

	if err != nil {
		m.metrics.LLMDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("model", profile.ID),
			attribute.String("status", "error"),
		))
		return nil, m.dispatchFailure(ctx, profile, err)
	}
	if resp == nil {
		m.metrics.RecordProviderError(ctx, profile.ID, "empty_response")
		return nil, &DispatchError{Message: "backend returned no response"}
	}
	m.metrics.LLMDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("model", profile.ID),
		attribute.String("status", "ok"),
	))
	m.metrics.RecordProviderRequest(ctx, profile.ID, "ok")

	outputTokens, err := m.tokenizer.CountTokens(profile.Deployment, resp.Content)
	if err != nil {
		return nil, fmt.Errorf("budget: count response tokens for %q: %w", profile.Deployment, err)
	}
	used := f.InputTokens() + outputTokens
	m.metrics.RecordTokensUsed(ctx, profile.ID, used)
	span.SetAttributes(
		attribute.Int("budget.tokens.used", used),
		attribute.Int("llm.status_code", resp.StatusCode),
	)
	observe.Logger(ctx).Debug("dispatch completed",
		"model", profile.ID,
		"status", resp.StatusCode,
		"tokens_used", used,
		"duration", elapsed,
	)
	return &Result{
		TokensUsed: used,
		StatusCode: resp.StatusCode,
		Message:    resp.Content,
	}, nil
}

// dispatchFailure classifies a backend error as cancellation or a
// [*DispatchError] and records it.
func (m *Manager) dispatchFailure(ctx context.Context, profile Profile, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		m.metrics.RecordProviderRequest(ctx, profile.ID, "cancelled")
		m.metrics.RecordProviderError(ctx, profile.ID, "cancelled")
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	m.metrics.RecordProviderRequest(ctx, profile.ID, "error")
	m.metrics.RecordProviderError(ctx, profile.ID, "backend")
	de := &DispatchError{Message: err.Error(), Err: err}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		de.StatusCode = apiErr.StatusCode
		de.Message = apiErr.Message
	}
	observe.Logger(ctx).Warn("dispatch failed",
		"model", profile.ID,
		"status", de.StatusCode,
		"err", err,
	)
	return de
}

func (m *Manager) resolve(model string) (Profile, error) {
	if model == "" {
		return m.profiles.Default(), nil
	}
	p, ok := m.profiles.Lookup(model)
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return p, nil
}

// validate checks message content first and turn balance second.
func validate(req Request) error {
	for _, msg := range req.UserMessages {
		if strings.TrimSpace(msg) == "" {
			return ErrEmptyMessage
		}
	}
	for _, msg := range req.AssistantMessages {
		if strings.TrimSpace(msg) == "" {
			return ErrEmptyMessage
		}
	}
	if len(req.UserMessages) != len(req.AssistantMessages)+1 {
		return ErrUnbalancedTurns
	}
	return nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, ErrUnbalancedTurns):
		return "unbalanced_turns"
	default:
		return "invalid"
	}
}
