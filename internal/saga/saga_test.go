package saga

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSaga_AllStepsCompleteSucceeds(t *testing.T) {
	s := New("saga-1", "test")
	var ran []string

	s.AddStep(Step{
		Name: "a",
		Action: func(ctx context.Context, args map[string]any) (Result, error) {
			ran = append(ran, "a")
			return Result{}, nil
		},
	})
	s.AddStep(Step{
		Name: "b",
		Action: func(ctx context.Context, args map[string]any) (Result, error) {
			ran = append(ran, "b")
			return Result{}, nil
		},
	})

	if err := s.Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(ran) != 2 || ran[0] != "a" || ran[1] != "b" {
		t.Fatalf("expected steps to run in order a,b, got %v", ran)
	}
	if s.Snapshot().Status != StatusCompleted {
		t.Fatalf("expected completed status, got %v", s.Snapshot().Status)
	}
}

func TestSaga_FailureCompensatesCompletedStepsInReverse(t *testing.T) {
	s := New("saga-2", "test")
	var compensated []string

	s.AddStep(Step{
		Name:   "reserve",
		Action: func(ctx context.Context, args map[string]any) (Result, error) { return Result{}, nil },
		Compensation: func(ctx context.Context, args map[string]any) error {
			compensated = append(compensated, "reserve")
			return nil
		},
	})
	s.AddStep(Step{
		Name:   "header",
		Action: func(ctx context.Context, args map[string]any) (Result, error) { return Result{}, nil },
		Compensation: func(ctx context.Context, args map[string]any) error {
			compensated = append(compensated, "header")
			return nil
		},
	})
	s.AddStep(Step{
		Name: "detail",
		Action: func(ctx context.Context, args map[string]any) (Result, error) {
			return Result{}, errors.New("capacity exhausted")
		},
	})

	err := s.Execute(context.Background())
	if err == nil {
		t.Fatal("expected Execute to return the failing step's error")
	}

	if len(compensated) != 2 || compensated[0] != "header" || compensated[1] != "reserve" {
		t.Fatalf("expected reverse-order compensation [header, reserve], got %v", compensated)
	}

	if s.Snapshot().Status != StatusCompensated {
		t.Fatalf("expected compensated status, got %v", s.Snapshot().Status)
	}
}

func TestSaga_CompensationFailureDoesNotStopReverseWalk(t *testing.T) {
	s := New("saga-3", "test")
	var compensated []string

	s.AddStep(Step{
		Name:   "first",
		Action: func(ctx context.Context, args map[string]any) (Result, error) { return Result{}, nil },
		Compensation: func(ctx context.Context, args map[string]any) error {
			compensated = append(compensated, "first")
			return nil
		},
	})
	s.AddStep(Step{
		Name:   "second",
		Action: func(ctx context.Context, args map[string]any) (Result, error) { return Result{}, nil },
		Compensation: func(ctx context.Context, args map[string]any) error {
			compensated = append(compensated, "second")
			return errors.New("compensation boom")
		},
	})
	s.AddStep(Step{
		Name:   "third",
		Action: func(ctx context.Context, args map[string]any) (Result, error) { return Result{}, errors.New("boom") },
	})

	s.Execute(context.Background())

	if len(compensated) != 2 {
		t.Fatalf("expected both compensations attempted despite one failing, got %v", compensated)
	}
	if s.Snapshot().Status != StatusFailed {
		t.Fatalf("expected failed status when a compensation errors, got %v", s.Snapshot().Status)
	}
}

func TestSaga_StepRetriesThenFails(t *testing.T) {
	s := New("saga-4", "test")
	s.BackoffCap = time.Millisecond // keep the test fast

	attempts := 0
	s.AddStep(Step{
		Name:       "flaky",
		MaxRetries: 2,
		Action: func(ctx context.Context, args map[string]any) (Result, error) {
			attempts++
			return Result{}, errors.New("always fails")
		},
	})

	if err := s.Execute(context.Background()); err == nil {
		t.Fatal("expected saga to fail")
	}
	if attempts != 3 {
		t.Fatalf("expected exactly MaxRetries+1=3 attempts, got %d", attempts)
	}
}

func TestSaga_StepSucceedsAfterRetry(t *testing.T) {
	s := New("saga-5", "test")
	s.BackoffCap = time.Millisecond

	attempts := 0
	s.AddStep(Step{
		Name:       "eventually-ok",
		MaxRetries: 3,
		Action: func(ctx context.Context, args map[string]any) (Result, error) {
			attempts++
			if attempts < 3 {
				return Result{}, errors.New("not yet")
			}
			return Result{Data: "ok"}, nil
		},
	})

	if err := s.Execute(context.Background()); err != nil {
		t.Fatalf("expected saga to succeed once the action stops failing, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts before success, got %d", attempts)
	}
}

// nonRetryableErr is a minimal stand-in for enrollment.Error with a
// permanent category, used to verify the saga engine stops retrying a
// step as soon as it sees a non-retryable failure instead of burning
// through MaxRetries with backoff first.
type nonRetryableErr struct{ msg string }

func (e *nonRetryableErr) Error() string   { return e.msg }
func (e *nonRetryableErr) Retryable() bool { return false }

func TestSaga_NonRetryableCategoryFailsImmediately(t *testing.T) {
	s := New("saga-permanent", "test")
	s.BackoffCap = time.Millisecond

	attempts := 0
	s.AddStep(Step{
		Name:       "duplicate-check",
		MaxRetries: 5,
		Action: func(ctx context.Context, args map[string]any) (Result, error) {
			attempts++
			return Result{}, &nonRetryableErr{msg: "duplicate materia"}
		},
	})

	if err := s.Execute(context.Background()); err == nil {
		t.Fatal("expected saga to fail")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable category, got %d", attempts)
	}
}

func TestSaga_CompensationDataMergedIntoCompensationArgs(t *testing.T) {
	s := New("saga-6", "test")
	var receivedArgs map[string]any

	s.AddStep(Step{
		Name: "insert",
		Action: func(ctx context.Context, args map[string]any) (Result, error) {
			return Result{CompensationData: map[string]any{"detail_id": "D1"}}, nil
		},
		Compensation: func(ctx context.Context, args map[string]any) error {
			receivedArgs = args
			return nil
		},
		CompensationArgs: map[string]any{"enrollment_id": "E1"},
	})
	s.AddStep(Step{
		Name:   "fails",
		Action: func(ctx context.Context, args map[string]any) (Result, error) { return Result{}, errors.New("boom") },
	})

	s.Execute(context.Background())

	if receivedArgs["enrollment_id"] != "E1" || receivedArgs["detail_id"] != "D1" {
		t.Fatalf("expected compensation args to merge static args with compensation data, got %v", receivedArgs)
	}
}

func TestSaga_Snapshot(t *testing.T) {
	s := New("saga-7", "enroll")
	s.AddStep(Step{
		Name:   "validate",
		Action: func(ctx context.Context, args map[string]any) (Result, error) { return Result{}, nil },
	})

	s.Execute(context.Background())
	snap := s.Snapshot()

	if snap.ID != "saga-7" || snap.Name != "enroll" {
		t.Fatalf("unexpected snapshot identity: %+v", snap)
	}
	if len(snap.Steps) != 1 || snap.Steps[0].Status != StepCompleted {
		t.Fatalf("expected one completed step in snapshot, got %+v", snap.Steps)
	}
}
