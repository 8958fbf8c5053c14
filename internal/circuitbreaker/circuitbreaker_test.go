package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := New(Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Hour, Component: "test"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Call(ctx, func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d error = %v, want errBoom", i, err)
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	called := false
	err := cb.Call(ctx, func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Call() while open error = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn called while circuit open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{FailureThreshold: 2, Timeout: time.Hour})
	ctx := context.Background()

	_ = cb.Call(ctx, func() error { return errBoom })
	_ = cb.Call(ctx, func() error { return nil })
	_ = cb.Call(ctx, func() error { return errBoom })

	if got := cb.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed (failures were not consecutive)", got)
	}
}

func TestCircuitBreaker_HalfOpenThenClosed(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	cb := New(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          20 * time.Millisecond,
		Component:        "weather_api",
		OnStateChange: func(from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	})
	ctx := context.Background()

	_ = cb.Call(ctx, func() error { return errBoom })
	time.Sleep(30 * time.Millisecond)

	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("State() after timeout = %v, want half_open", got)
	}
	for i := 0; i < 2; i++ {
		if err := cb.Call(ctx, func() error { return nil }); err != nil {
			t.Fatalf("probe %d error = %v", i, err)
		}
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("State() after probes = %v, want closed", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_CanceledContext(t *testing.T) {
	cb := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cb.Call(ctx, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("Call() error = %v, want context.Canceled", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(9):      "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
