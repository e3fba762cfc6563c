// Package llm defines the Provider interface for the language-model backends
// that the consultation assistant talks to.
//
// A provider wraps a remote or local chat-completion API (OpenAI, Anthropic,
// Gemini, a local Ollama or llama.cpp server) behind a single blocking call.
// The assistant builds fixed JSON prompts, so streaming and tool calling are
// not part of the contract.
//
// Implementations must be safe for concurrent use and must return promptly
// when the supplied context is cancelled.
package llm

import (
	"context"
	"fmt"
	"net/http"
)

// Message roles accepted by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in the prompt sent to the model.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text of the turn.
	Content string
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is injected before Messages as a system turn.
	SystemPrompt string

	// Messages is the ordered prompt. The last message is usually from the user.
	Messages []Message

	// Temperature controls randomness in [0.0, 2.0]. Zero leaves the provider
	// default in place.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// JSON asks the backend for a JSON object response when it supports a
	// dedicated response format. Backends without one rely on the prompt.
	JSON bool
}

// CompletionResponse is the full reply of a completion call.
type CompletionResponse struct {
	// Content is the assistant's reply text.
	Content string

	// Usage contains token accounting for this request.
	Usage Usage

	// FinishReason is the backend's stop reason as reported, e.g. "stop" or
	// [FinishLength]. Empty when the backend does not say.
	FinishReason string
}

// FinishLength marks a reply cut off by MaxTokens.
const FinishLength = "length"

// Provider is the abstraction over any language-model backend.
type Provider interface {
	// Complete sends req to the model and waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// APIError is returned by providers when the backend answered with a non-2xx
// status. Callers use it to tell transient failures from credential problems.
type APIError struct {
	// Provider names the backend ("openai", "anthropic", ...).
	Provider string

	// StatusCode is the HTTP status returned by the backend.
	StatusCode int

	// Err is the underlying SDK error.
	Err error
}

// Error implements error.
func (e *APIError) Error() string {
	return fmt.Sprintf("llm: %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
}

// Unwrap returns the underlying SDK error.
func (e *APIError) Unwrap() error { return e.Err }

// Transient reports whether the request may succeed when retried: rate limits,
// timeouts and server-side failures.
func (e *APIError) Transient() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode >= 500:
		return true
	}
	return false
}

// Unauthorized reports whether the backend rejected the credentials.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}
