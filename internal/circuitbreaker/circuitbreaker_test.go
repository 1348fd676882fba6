package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream 503")

type transition struct{ from, to State }

func newTestBreaker(cfg Config) (*CircuitBreaker, *time.Time, *[]transition) {
	now := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	var seen []transition
	cfg.OnStateChange = func(_ string, from, to State) {
		mu.Lock()
		seen = append(seen, transition{from, to})
		mu.Unlock()
	}
	cb := New(cfg)
	cb.now = func() time.Time { return now }
	return cb, &now, &seen
}

func fail() error    { return errUpstream }
func succeed() error { return nil }

// TestCircuitBreaker_OpensAfterThreshold verifies consecutive failures open the circuit.
func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	cb, _, seen := newTestBreaker(Config{FailureThreshold: 3, Timeout: time.Minute})

	for i := 0; i < 3; i++ {
		if err := cb.Call(ctx, fail); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d error = %v, want upstream error", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("State() = %v, want open", cb.State())
	}

	called := false
	err := cb.Call(ctx, func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Errorf("Call() while open = %v (called=%v), want ErrOpen without calling", err, called)
	}
	if len(*seen) != 1 || (*seen)[0] != (transition{StateClosed, StateOpen}) {
		t.Errorf("transitions = %v", *seen)
	}
}

// TestCircuitBreaker_SuccessResetsFailureCount verifies failures must be consecutive.
func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	cb, _, _ := newTestBreaker(Config{FailureThreshold: 2})

	_ = cb.Call(ctx, fail)
	_ = cb.Call(ctx, succeed)
	_ = cb.Call(ctx, fail)
	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want closed", cb.State())
	}
}

// TestCircuitBreaker_HalfOpenRecovery verifies the probe path closes the circuit again.
func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	ctx := context.Background()
	cb, now, seen := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Second})

	_ = cb.Call(ctx, fail)
	*now = now.Add(11 * time.Second)

	if err := cb.Call(ctx, succeed); err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("State() after one probe = %v, want half_open", cb.State())
	}
	_ = cb.Call(ctx, succeed)
	if cb.State() != StateClosed {
		t.Fatalf("State() = %v, want closed", cb.State())
	}

	want := []transition{{StateClosed, StateOpen}, {StateOpen, StateHalfOpen}, {StateHalfOpen, StateClosed}}
	if len(*seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", *seen, want)
	}
	for i := range want {
		if (*seen)[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, (*seen)[i], want[i])
		}
	}
}

// TestCircuitBreaker_HalfOpenFailureReopens verifies a failed probe reopens immediately.
func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	cb, now, _ := newTestBreaker(Config{FailureThreshold: 5, Timeout: time.Second})
	for i := 0; i < 5; i++ {
		_ = cb.Call(ctx, fail)
	}
	*now = now.Add(2 * time.Second)

	_ = cb.Call(ctx, fail)
	if cb.State() != StateOpen {
		t.Errorf("State() = %v, want open", cb.State())
	}
	if err := cb.Call(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("Call() right after reopen = %v, want ErrOpen", err)
	}
}

// TestCircuitBreaker_IsFailureFilter verifies non-upstream errors do not trip the circuit.
func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	ctx := context.Background()
	errBadInput := errors.New("400 bad input")
	cb, _, _ := newTestBreaker(Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return errors.Is(err, errUpstream) },
	})

	_ = cb.Call(ctx, func() error { return errBadInput })
	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want closed for filtered error", cb.State())
	}
}

// TestCircuitBreaker_CallerCancellationIgnored verifies a cancelled caller does not count as failure.
func TestCircuitBreaker_CallerCancellationIgnored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cb, _, _ := newTestBreaker(Config{FailureThreshold: 1})

	_ = cb.Call(ctx, func() error { return ctx.Err() })
	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want closed", cb.State())
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open", State(9): "unknown"}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
