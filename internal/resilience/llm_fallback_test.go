package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/consultflow/pkg/provider/llm"
	llmmock "github.com/MrWong99/consultflow/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		primaryErr  error
		wantContent string
		wantErr     error
		wantCalls   [2]int
	}{
		{name: "primary", wantContent: "z pierwszego", wantCalls: [2]int{1, 0}},
		{name: "failover", primaryErr: errTest, wantContent: "z drugiego", wantCalls: [2]int{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			primary := &llmmock.Provider{
				CompleteResponse: &llm.CompletionResponse{Content: "z pierwszego"},
				CompleteErr:      tt.primaryErr,
			}
			secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "z drugiego"}}
			fb := NewLLMFallback(primary, "primary", FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}})
			fb.AddFallback("secondary", secondary)

			resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if resp.Content != tt.wantContent {
				t.Errorf("Content = %q, want %q", resp.Content, tt.wantContent)
			}
			if got := [2]int{len(primary.CompleteCalls), len(secondary.CompleteCalls)}; got != tt.wantCalls {
				t.Errorf("calls = %v, want %v", got, tt.wantCalls)
			}
		})
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: errTest}
	fb := NewLLMFallback(primary, "primary", FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1}})

	if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if fb.Healthy() {
		t.Error("Healthy() = true, want false")
	}
	if n := len(fb.Breakers()); n != 1 {
		t.Errorf("len(Breakers()) = %d, want 1", n)
	}
}

func TestLLMFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain", errTest, true},
		{"cancelled", context.Canceled, false},
		{"bad request", &llm.APIError{Provider: "openai", StatusCode: 400, Err: errTest}, false},
		{"payload too large", &llm.APIError{Provider: "openai", StatusCode: 413, Err: errTest}, false},
		{"unauthorized", &llm.APIError{Provider: "openai", StatusCode: 401, Err: errTest}, true},
		{"rate limited", &llm.APIError{Provider: "openai", StatusCode: 429, Err: errTest}, true},
		{"server error", &llm.APIError{Provider: "openai", StatusCode: 503, Err: errTest}, true},
	}
	for _, tt := range tests {
		if got := LLMFailure(tt.err); got != tt.want {
			t.Errorf("LLMFailure(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLLMFallback_RejectedRequestKeepsBreakerClosed(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: &llm.APIError{Provider: "openai", StatusCode: 400, Err: errTest}}
	fb := NewLLMFallback(primary, "llm:openai", FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1}})
	fb.AddFallback("llm:ollama", &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}})

	for range 3 {
		if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	if st := fb.Breakers()[0].State(); st != StateClosed {
		t.Errorf("primary breaker = %v, want closed", st)
	}
	if got := len(primary.CompleteCalls); got != 3 {
		t.Errorf("primary calls = %d, want 3", got)
	}
	if got := fb.Name(); got != "llm:openai|llm:ollama" {
		t.Errorf("Name = %q, want %q", got, "llm:openai|llm:ollama")
	}
}
