package enrollment_test

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/nova/internal/breaker"
	"github.com/oriys/nova/internal/enrollment"
	"github.com/oriys/nova/internal/kvstore"
	"github.com/oriys/nova/internal/reservation"
	"github.com/oriys/nova/internal/saga"
	"github.com/oriys/nova/internal/store/memstore"
)

func newTestWorkflow() (*enrollment.Workflow, *memstore.Store) {
	store := memstore.New()
	store.SeedStudent("student-1", true)
	store.SeedPeriod("period-1", true)
	store.SeedGroup("group-a", "MATH101", nil, 2)
	store.SeedGroup("group-b", "PHYS101", nil, 2)

	kv := kvstore.NewInMemoryStore()
	return &enrollment.Workflow{
		Store:        store,
		Reservations: reservation.New(kv),
		Breakers:     breaker.NewRegistry(),
		Sagas:        saga.NewTracker(10),
	}, store
}

func TestWorkflow_ExecuteEnrollsAcrossGroups(t *testing.T) {
	wf, _ := newTestWorkflow()

	s, err := wf.Execute(context.Background(), "saga-1", enrollment.EnrollByGroupsRequest{
		StudentID: "student-1",
		PeriodID:  "period-1",
		Groups:    []string{"group-a", "group-b"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := s.Snapshot().Status; got != saga.StatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
	if _, ok := wf.Sagas.Get("saga-1"); !ok {
		t.Fatal("expected saga to be registered in tracker")
	}
}

func TestWorkflow_DuplicateMateriaFailsAndCompensates(t *testing.T) {
	wf, store := newTestWorkflow()
	store.SeedGroup("group-c", "MATH101", nil, 2) // same materia as group-a

	s, err := wf.Execute(context.Background(), "saga-2", enrollment.EnrollByGroupsRequest{
		StudentID: "student-1",
		PeriodID:  "period-1",
		Groups:    []string{"group-a", "group-c"},
	})
	if err == nil {
		t.Fatal("expected duplicate-materia error")
	}
	if enrollment.CategoryOf(err) != enrollment.CategoryDuplicate {
		t.Fatalf("category = %s, want duplicate", enrollment.CategoryOf(err))
	}
	if got := s.Snapshot().Status; got != saga.StatusCompensated {
		t.Fatalf("status = %s, want compensated", got)
	}

	// group-a's detail/counter should have been rolled back, so a retry
	// against group-a alone succeeds cleanly.
	if _, err := wf.Execute(context.Background(), "saga-2-retry", enrollment.EnrollByGroupsRequest{
		StudentID: "student-1",
		PeriodID:  "period-1",
		Groups:    []string{"group-a"},
	}); err != nil {
		t.Fatalf("retry Execute: %v", err)
	}
}

func TestWorkflow_CapacityExhaustedFailsSaga(t *testing.T) {
	wf, store := newTestWorkflow()
	store.SeedGroup("group-full", "CHEM101", nil, 0)

	_, err := wf.Execute(context.Background(), "saga-3", enrollment.EnrollByGroupsRequest{
		StudentID: "student-1",
		PeriodID:  "period-1",
		Groups:    []string{"group-full"},
	})
	if err == nil {
		t.Fatal("expected capacity-exhausted error")
	}
	if enrollment.CategoryOf(err) != enrollment.CategoryCapacityExhausted {
		t.Fatalf("category = %s, want capacity_exhausted", enrollment.CategoryOf(err))
	}
}

func TestWorkflow_ScheduleConflictWithinRequest(t *testing.T) {
	wf, store := newTestWorkflow()
	clash := enrollment.Schedule{Weekdays: []time.Weekday{time.Monday}, Start: 9 * time.Hour, End: 10 * time.Hour}
	store.SeedGroup("group-d", "BIO101", []enrollment.Schedule{clash}, 5)
	store.SeedGroup("group-e", "CHEM201", []enrollment.Schedule{clash}, 5)

	_, err := wf.Execute(context.Background(), "saga-4", enrollment.EnrollByGroupsRequest{
		StudentID: "student-1",
		PeriodID:  "period-1",
		Groups:    []string{"group-d", "group-e"},
	})
	if err == nil {
		t.Fatal("expected schedule-conflict error")
	}
	if enrollment.CategoryOf(err) != enrollment.CategoryScheduleConflict {
		t.Fatalf("category = %s, want schedule_conflict", enrollment.CategoryOf(err))
	}
}

func TestWorkflow_SecondCallIsIdempotentAtStoreLevel(t *testing.T) {
	wf, _ := newTestWorkflow()
	req := enrollment.EnrollByGroupsRequest{StudentID: "student-1", PeriodID: "period-1", Groups: []string{"group-a"}}

	if _, err := wf.Execute(context.Background(), "saga-5a", req); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	// A second saga against the same header+group resolves the existing
	// header and finds HasDetailForGroup already true, so it completes
	// without double-incrementing the group counter.
	s, err := wf.Execute(context.Background(), "saga-5b", req)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if got := s.Snapshot().Status; got != saga.StatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
}

// TestWorkflow_ScheduleConflictAgainstPriorRequest is the literal S4
// scenario from base-spec §8: a student enrolls into one group in a
// first request, then a later, separate request for a conflicting group
// must still be rejected even though the saga sees no in-saga insertions
// yet — the conflict set has to include groups already committed under
// the reused header, not just groups added earlier in the same saga.
func TestWorkflow_ScheduleConflictAgainstPriorRequest(t *testing.T) {
	wf, store := newTestWorkflow()
	mondayMorning := enrollment.Schedule{Weekdays: []time.Weekday{time.Monday}, Start: 8 * time.Hour, End: 10 * time.Hour}
	clash := enrollment.Schedule{Weekdays: []time.Weekday{time.Monday}, Start: 9 * time.Hour, End: 11 * time.Hour}
	store.SeedGroup("group-x", "BIO101", []enrollment.Schedule{mondayMorning}, 5)
	store.SeedGroup("group-y", "CHEM201", []enrollment.Schedule{clash}, 5)

	if _, err := wf.Execute(context.Background(), "saga-6a", enrollment.EnrollByGroupsRequest{
		StudentID: "student-1",
		PeriodID:  "period-1",
		Groups:    []string{"group-x"},
	}); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	s, err := wf.Execute(context.Background(), "saga-6b", enrollment.EnrollByGroupsRequest{
		StudentID: "student-1",
		PeriodID:  "period-1",
		Groups:    []string{"group-y"},
	})
	if err == nil {
		t.Fatal("expected schedule-conflict error against the group committed by the first request")
	}
	if enrollment.CategoryOf(err) != enrollment.CategoryScheduleConflict {
		t.Fatalf("category = %s, want schedule_conflict", enrollment.CategoryOf(err))
	}
	if got := s.Snapshot().Status; got != saga.StatusCompensated {
		t.Fatalf("status = %s, want compensated", got)
	}
	header, err := store.LookupExistingEnrollment(context.Background(), "student-1", "period-1")
	if err != nil || header == nil {
		t.Fatalf("LookupExistingEnrollment: header=%v err=%v", header, err)
	}
	if ok, _ := store.HasDetailForGroup(context.Background(), header.ID, "group-y"); ok {
		t.Fatal("group-y detail should not have been committed")
	}
}
