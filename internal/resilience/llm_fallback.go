package resilience

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrWong99/nlquery/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across several
// completion backends. Each backend has its own circuit breaker.
//
// Errors that would fail identically on every backend do not fail over and
// do not trip breakers: caller cancellation, and backend rejections of the
// request itself (4xx other than 408 and 429). See [IsRequestError].
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend. cfg.Stop and cfg.CircuitBreaker.Neutral default to
// [IsRequestError] when nil.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Stop == nil {
		cfg.Stop = IsRequestError
	}
	if cfg.CircuitBreaker.Neutral == nil {
		cfg.CircuitBreaker.Neutral = IsRequestError
	}
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// States returns the circuit breaker state of every backend keyed by name.
func (f *LLMFallback) States() map[string]State {
	return f.group.States()
}

// Complete sends req to the first healthy backend and returns its response.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return p.Complete(ctx, req)
	})
}

// IsRequestError reports whether err is caused by the caller or the request
// rather than by the backend: context cancellation or deadline, or an
// [llm.APIError] with a 4xx status other than 408 and 429.
func IsRequestError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.StatusCode
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
