package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/consultflow/internal/resilience"
	"github.com/MrWong99/consultflow/pkg/provider/llm"
)

var (
	// ErrAuth means the backend rejected the credentials. It is never
	// retried.
	ErrAuth = errors.New("assistant: authentication failed")

	// ErrMalformed means the model answered but the reply could not be
	// used. It is retried like a transient failure and, once attempts run
	// out, callers treat it as "no usable result".
	ErrMalformed = errors.New("assistant: malformed model output")
)

// Default backoff parameters.
const (
	defaultAttempts = 3
	defaultBackoff  = 500 * time.Millisecond
	defaultMaxDelay = 4 * time.Second
)

// RetryPolicy bounds the exponential backoff applied to transient failures.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// Base is the delay after the first failure. It doubles per attempt.
	Base time.Duration

	// Max caps a single delay.
	Max time.Duration
}

// DefaultRetryPolicy returns three attempts starting at 500 ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: defaultAttempts, Base: defaultBackoff, Max: defaultMaxDelay}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = defaultAttempts
	}
	if p.Base <= 0 {
		p.Base = defaultBackoff
	}
	if p.Max <= 0 {
		p.Max = defaultMaxDelay
	}
	return p
}

// delay returns the wait after the given zero-based failed attempt.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Base << attempt
	if d <= 0 || d > p.Max {
		return p.Max
	}
	return d
}

// authMarkers catch credential failures from backends that do not surface
// an HTTP status, such as SDK errors raised before the request is sent. Each
// names the failure itself; a bare "api key" also appears in quota and rate
// limit messages.
var authMarkers = []string{
	"401 unauthorized",
	"status 401",
	"status code 401",
	"invalid api key",
	"incorrect api key",
	"invalid_api_key",
	"invalid x-api-key",
	"authentication_error",
	"authentication failed",
	"missing api key",
	"api key not valid",
}

// classify maps a backend error onto the assistant taxonomy. Credential
// failures come back wrapping ErrAuth; everything else is returned as is.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrAuth) || errors.Is(err, ErrMalformed) {
		return err
	}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Unauthorized() {
			return fmt.Errorf("%w: %w", ErrAuth, err)
		}
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, m := range authMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %w", ErrAuth, err)
		}
	}
	return err
}

// retryable reports whether another attempt may help.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrAuth),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, resilience.ErrCircuitOpen):
		return false
	case errors.Is(err, ErrMalformed):
		return true
	}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	// Transport failures carry no status and are worth another try.
	return true
}

// statusOf is the metric label for an attempt's outcome.
func statusOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	default:
		return "error"
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
