package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func transientFailure() error {
	return NewTransientError(errors.New("upstream 503"), 503)
}

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker("search", DefaultCircuitBreakerConfig())

	var calls int
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 3, Cooldown: time.Minute}
	cb := NewCircuitBreaker("search", cfg)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return transientFailure()
		})
	}

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state after %d failures, got %s", cfg.FailureThreshold, cb.State())
	}

	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("underlying client must not be invoked while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_NonTransientDoesNotTrip(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}
	cb := NewCircuitBreaker("search", cfg)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return NewNonTransientError(errors.New("bad request"), 400)
		})
	}

	if cb.State() != CircuitClosed {
		t.Errorf("non-transient failures must not open the circuit, got %s", cb.State())
	}
	failures, _ := cb.Counters()
	if failures != 0 {
		t.Errorf("expected 0 counted failures, got %d", failures)
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Second}
	cb := NewCircuitBreaker("search", cfg)

	now := time.Now()
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return transientFailure()
	})
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	// Advance past the cooldown; a probe is allowed.
	now = now.Add(11 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(_ context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("probe should pass through: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after probe success, got %s", cb.State())
	}
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Second}
	cb := NewCircuitBreaker("search", cfg)

	now := time.Now()
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return transientFailure()
	})
	now = now.Add(11 * time.Second)

	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return transientFailure()
	})
	if cb.State() != CircuitOpen {
		t.Errorf("expected reopen after probe failure, got %s", cb.State())
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	cfg := CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		OnStateChange: func(service string, from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}
	cb := NewCircuitBreaker("enrich", cfg)

	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return transientFailure()
	})

	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("unexpected transitions: %v", transitions)
	}
}
