package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerClosedAllowsCalls(t *testing.T) {
	b := New("db", Config{FailureThreshold: 3, RecoveryTimeout: 5 * time.Second, SuccessThreshold: 2, CallTimeout: time.Second})

	if !b.Allow() {
		t.Fatal("closed breaker should allow calls")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("db", Config{FailureThreshold: 3, RecoveryTimeout: 5 * time.Second, SuccessThreshold: 2, CallTimeout: time.Second})

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := b.Call(context.Background(), func(context.Context) error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom error on attempt %d, got %v", i, err)
		}
	}

	if b.State() != StateOpen {
		t.Fatalf("expected open after %d consecutive failures, got %v", 3, b.State())
	}

	var openErr *ErrOpen
	err := b.Call(context.Background(), func(context.Context) error { return nil })
	if !errors.As(err, &openErr) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestBreakerInterleavedSuccessDoesNotTrip(t *testing.T) {
	b := New("db", Config{FailureThreshold: 3, RecoveryTimeout: 5 * time.Second, SuccessThreshold: 2, CallTimeout: time.Second})

	boom := errors.New("boom")
	b.Call(context.Background(), func(context.Context) error { return boom })
	b.Call(context.Background(), func(context.Context) error { return boom })
	b.Call(context.Background(), func(context.Context) error { return nil }) // resets consecutive failures
	b.Call(context.Background(), func(context.Context) error { return boom })

	if b.State() != StateClosed {
		t.Fatalf("expected closed since failures were never 3 in a row, got %v", b.State())
	}
}

func TestBreakerHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b := New("db", Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, SuccessThreshold: 1, CallTimeout: time.Second})

	boom := errors.New("boom")
	b.Call(context.Background(), func(context.Context) error { return boom })
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	time.Sleep(20 * time.Millisecond)

	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open after recovery timeout, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("half-open breaker should admit a probe")
	}
}

func TestBreakerClosesAfterSuccessThresholdProbes(t *testing.T) {
	b := New("db", Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, SuccessThreshold: 2, CallTimeout: time.Second})

	b.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)

	b.Call(context.Background(), func(context.Context) error { return nil })
	if b.State() != StateHalfOpen {
		t.Fatalf("expected still half_open after 1 of 2 required probes, got %v", b.State())
	}

	b.Call(context.Background(), func(context.Context) error { return nil })
	if b.State() != StateClosed {
		t.Fatalf("expected closed after success_threshold consecutive probes, got %v", b.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := New("db", Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, SuccessThreshold: 1, CallTimeout: time.Second})

	b.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)

	b.Call(context.Background(), func(context.Context) error { return errors.New("still broken") })

	if b.State() != StateOpen {
		t.Fatalf("expected open after a failed probe, got %v", b.State())
	}
}

func TestBreakerCallTimeoutCountsAsFailure(t *testing.T) {
	b := New("external", Config{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 1, CallTimeout: 10 * time.Millisecond})

	err := b.Call(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after the call timed out, got %v", b.State())
	}
}

func TestRegistryGetOrCreateSharesInstance(t *testing.T) {
	r := NewRegistry()

	b1 := r.GetOrCreate("database", DefaultDatabaseConfig())
	b2 := r.GetOrCreate("database", DefaultDatabaseConfig())
	if b1 != b2 {
		t.Fatal("expected the same breaker instance for the same name")
	}
}

func TestRegistrySnapshotAndReset(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate("database", Config{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 1, CallTimeout: time.Second})

	b := r.GetOrCreate("database", Config{})
	b.Call(context.Background(), func(context.Context) error { return errors.New("boom") })

	snap := r.Snapshot()
	if snap["database"].State != StateOpen {
		t.Fatalf("expected database breaker open in snapshot, got %v", snap["database"].State)
	}

	if !r.Reset("database") {
		t.Fatal("expected Reset to find the breaker")
	}
	if r.GetOrCreate("database", Config{}).State() != StateClosed {
		t.Fatal("expected breaker closed after Reset")
	}

	if r.Reset("nonexistent") {
		t.Fatal("expected Reset of unknown breaker to report false")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
