package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func failN(cb *CircuitBreaker, n int) {
	for range n {
		_ = cb.Execute(func() error { return errTest })
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "llm"})
	if cb.cfg.MaxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.cfg.MaxFailures)
	}
	if cb.cfg.ResetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.cfg.ResetTimeout)
	}
	if cb.cfg.HalfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", cb.cfg.HalfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
	if cb.Name() != "llm" {
		t.Errorf("Name() = %q, want %q", cb.Name(), "llm")
	}
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "llm", MaxFailures: 3, ResetTimeout: time.Hour})

	failN(cb, 3)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn called while open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "llm", MaxFailures: 3})

	failN(cb, 2)
	_ = cb.Execute(func() error { return nil })
	failN(cb, 2)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_CancellationDoesNotCount(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "llm", MaxFailures: 2})

	for range 5 {
		_ = cb.Execute(func() error { return context.Canceled })
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_CustomIsFailure(t *testing.T) {
	t.Parallel()
	errAuth := errors.New("auth")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:        "llm",
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, errAuth) },
	})

	_ = cb.Execute(func() error { return errAuth })
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	failN(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenCycle(t *testing.T) {
	t.Parallel()

	t.Run("probes close", func(t *testing.T) {
		t.Parallel()
		clk := newFakeClock()
		cb := NewCircuitBreaker(CircuitBreakerConfig{
			Name: "llm", MaxFailures: 2, ResetTimeout: 10 * time.Second, HalfOpenMax: 2, Now: clk.Now,
		})
		failN(cb, 2)
		clk.Advance(10 * time.Second)
		if cb.State() != StateHalfOpen {
			t.Fatalf("state = %v, want half-open", cb.State())
		}
		for range 2 {
			if err := cb.Execute(func() error { return nil }); err != nil {
				t.Fatalf("probe: %v", err)
			}
		}
		if cb.State() != StateClosed {
			t.Fatalf("state = %v, want closed", cb.State())
		}
	})

	t.Run("probe failure reopens", func(t *testing.T) {
		t.Parallel()
		clk := newFakeClock()
		cb := NewCircuitBreaker(CircuitBreakerConfig{
			Name: "llm", MaxFailures: 2, ResetTimeout: 10 * time.Second, HalfOpenMax: 2, Now: clk.Now,
		})
		failN(cb, 2)
		clk.Advance(11 * time.Second)
		_ = cb.Execute(func() error { return errTest })
		if cb.State() != StateOpen {
			t.Fatalf("state = %v, want open", cb.State())
		}
		clk.Advance(5 * time.Second)
		if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("err = %v, want ErrCircuitOpen", err)
		}
	})
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	var (
		mu  sync.Mutex
		got []string
	)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name: "stt-final:whisper", MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1, Now: clk.Now,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, name+" "+from.String()+">"+to.String())
		},
	})

	failN(cb, 1)
	clk.Advance(time.Second)
	_ = cb.Execute(func() error { return nil })
	failN(cb, 1)
	cb.Reset()

	want := []string{
		"stt-final:whisper closed>open",
		"stt-final:whisper open>half-open",
		"stt-final:whisper half-open>closed",
		"stt-final:whisper closed>open",
		"stt-final:whisper open>closed",
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCircuitBreaker_UncountedProbeReturnsSlot(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name: "llm", MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1, Now: clk.Now,
	})
	failN(cb, 1)
	clk.Advance(time.Second)

	if err := cb.Execute(func() error { return context.Canceled }); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe after cancelled probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "llm", MaxFailures: 1, ResetTimeout: time.Hour})
	failN(cb, 1)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
