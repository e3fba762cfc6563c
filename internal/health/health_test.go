package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/consultflow/internal/resilience"
)

func get(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, body
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	failing := Checker{Name: "store", Check: func(context.Context) error { return errors.New("down") }}
	code, body := get(t, New(failing), "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	ok := func(context.Context) error { return nil }
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			checkers:   []Checker{{Name: "llm", Check: ok}, {Name: "store", Check: ok}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"llm": "ok", "store": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "llm", Check: ok},
				{Name: "store", Check: func(context.Context) error { return errors.New("connection refused") }},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"llm": "ok", "store": "fail: connection refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := get(t, New(tt.checkers...), "/readyz")
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			for k, want := range tt.wantChecks {
				if got := body.Checks[k]; got != want {
					t.Errorf("checks[%q] = %q, want %q", k, got, want)
				}
			}
		})
	}
}

func TestReadyz_CheckGetsDeadline(t *testing.T) {
	t.Parallel()
	var deadline time.Time
	c := Checker{Name: "slow", Check: func(ctx context.Context) error {
		deadline, _ = ctx.Deadline()
		return nil
	}}
	get(t, New(c), "/readyz")
	if deadline.IsZero() || time.Until(deadline) > checkTimeout {
		t.Errorf("deadline = %v, want within %v", deadline, checkTimeout)
	}
}

func TestBreakerChecker(t *testing.T) {
	t.Parallel()
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "openai", MaxFailures: 1, ResetTimeout: time.Hour})
	c := BreakerChecker("llm", cb, nil)
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("closed breaker: %v", err)
	}

	_ = cb.Execute(func() error { return errors.New("boom") })
	err := c.Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "openai") {
		t.Errorf("open breaker err = %v, want mention of openai", err)
	}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestPingChecker(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	if err := PingChecker("store", pinger{}).Check(context.Background()); err != nil {
		t.Errorf("healthy ping: %v", err)
	}
	if err := PingChecker("store", pinger{err: boom}).Check(context.Background()); !errors.Is(err, boom) {
		t.Errorf("failing ping err = %v, want boom", err)
	}
}
