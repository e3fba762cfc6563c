package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/consultflow/pkg/provider/llm"
)

// LLMFailure reports whether err says something about the health of a
// language-model backend. Cancellation and 4xx rejections of the request
// itself (bad request, context too long) do not; credential failures and
// everything transient do.
func LLMFailure(err error) bool {
	if !countsAsFailure(err) {
		return false
	}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return apiErr.Unauthorized() || apiErr.Transient()
	}
	return true
}

// LLMFallback tries several language-model backends in order, each behind
// its own breaker judged by [LLMFailure] unless cfg sets IsFailure.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback starts the chain with primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = LLMFailure
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend to the chain.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.AddFallback(name, p) }

func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Name joins the backend names in try order, "llm:openai|llm:ollama".
func (f *LLMFallback) Name() string { return strings.Join(f.group.Names(), "|") }

// Healthy reports whether any backend would accept a call.
func (f *LLMFallback) Healthy() bool { return f.group.Healthy() }

// Breakers returns the per-backend breakers in try order.
func (f *LLMFallback) Breakers() []*CircuitBreaker { return f.group.Breakers() }
