// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to feed controlled replies to the assistant and
// to inspect the prompts it sends. Fields may be set before the first call;
// mutating them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: `{"questions":[]}`},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/consultflow/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
//
// Resolution order for each call: CompleteFunc if set, then the next entry of
// Responses/Errs (consumed in order), then CompleteResponse/CompleteErr.
type Provider struct {
	mu sync.Mutex

	// CompleteFunc, if set, computes the reply for every call.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Responses are returned one per call until exhausted. Errs is indexed in
	// parallel; a nil entry means success.
	Responses []*llm.CompletionResponse
	Errs      []error

	// CompleteResponse is returned once Responses is exhausted.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned once Responses is exhausted.
	CompleteErr error

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Complete records the call and returns the configured reply.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn := p.CompleteFunc
	if fn == nil {
		idx := len(p.CompleteCalls) - 1
		if idx < len(p.Responses) || idx < len(p.Errs) {
			var resp *llm.CompletionResponse
			var err error
			if idx < len(p.Responses) {
				resp = p.Responses[idx]
			}
			if idx < len(p.Errs) {
				err = p.Errs[idx]
			}
			p.mu.Unlock()
			return resp, err
		}
		resp, err := p.CompleteResponse, p.CompleteErr
		p.mu.Unlock()
		return resp, err
	}
	p.mu.Unlock()
	return fn(ctx, req)
}

// Calls returns a snapshot of the recorded calls. Thread-safe.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
