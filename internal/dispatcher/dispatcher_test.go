package dispatcher

import (
	"context"
	"testing"

	"github.com/oriys/nova/internal/enrollment"
	"github.com/oriys/nova/internal/idempotency"
	"github.com/oriys/nova/internal/jobtracker"
	"github.com/oriys/nova/internal/kvstore"
	"github.com/oriys/nova/internal/taskqueue"
)

func newTestDispatcher() (*Dispatcher, taskqueue.Queue) {
	q := taskqueue.NewMemQueue()
	idem := idempotency.New(kvstore.NewInMemoryStore())
	return New(q, idem, jobtracker.New(0)), q
}

func TestDispatcher_EnrollEnqueuesAndReportsStatus(t *testing.T) {
	d, q := newTestDispatcher()
	defer q.Close()
	ctx := context.Background()

	req := enrollment.EnrollByGroupsRequest{StudentID: "s1", PeriodID: "p1", Groups: []string{"G1", "G2"}}
	result, err := d.Enroll(ctx, req)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if result.Cached {
		t.Fatal("expected first call to not be cached")
	}
	if result.MainTaskID == "" {
		t.Fatal("expected a task id")
	}
	if len(result.GroupTasks) != 2 {
		t.Fatalf("expected 2 group task entries, got %d", len(result.GroupTasks))
	}

	task, err := d.Status(ctx, result.MainTaskID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if task.Route != taskqueue.RouteEnrollments {
		t.Fatalf("expected route %s, got %s", taskqueue.RouteEnrollments, task.Route)
	}
	if task.HandlerName != EnrollHandlerName {
		t.Fatalf("expected handler %s, got %s", EnrollHandlerName, task.HandlerName)
	}
}

func TestDispatcher_EnrollIsIdempotent(t *testing.T) {
	d, q := newTestDispatcher()
	defer q.Close()
	ctx := context.Background()

	req := enrollment.EnrollByGroupsRequest{StudentID: "s1", PeriodID: "p1", Groups: []string{"G2", "G1"}}
	first, err := d.Enroll(ctx, req)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	// Same student/period/groups, different slice order: should fingerprint
	// identically and return the same cached task id.
	reordered := enrollment.EnrollByGroupsRequest{StudentID: "s1", PeriodID: "p1", Groups: []string{"G1", "G2"}}
	second, err := d.Enroll(ctx, reordered)
	if err != nil {
		t.Fatalf("Enroll (second): %v", err)
	}
	if !second.Cached {
		t.Fatal("expected second call to be served from idempotency cache")
	}
	if second.MainTaskID != first.MainTaskID {
		t.Fatalf("expected same task id, got %s vs %s", first.MainTaskID, second.MainTaskID)
	}
}

func TestDispatcher_BulkEnqueuesOnePerGroup(t *testing.T) {
	d, q := newTestDispatcher()
	defer q.Close()
	ctx := context.Background()

	entries := []enrollment.BulkRequest{
		{StudentID: "s1", PeriodID: "p1", Groups: []string{"G1", "G2"}},
		{StudentID: "s2", PeriodID: "p1", Groups: []string{"G3"}},
	}
	results, jobID, err := d.Bulk(ctx, entries)
	if err != nil {
		t.Fatalf("Bulk: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected a job id")
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Error != "" {
			t.Fatalf("unexpected per-entry error: %s", r.Error)
		}
		if r.TaskID == "" {
			t.Fatal("expected a task id for every entry")
		}
	}

	progress := d.Jobs.Get(jobID)
	if progress == nil {
		t.Fatal("expected bulk submission to be tracked")
	}
	if progress.Percent != 0 {
		t.Fatalf("expected 0%% before any group reports done, got %d", progress.Percent)
	}

	for range results {
		d.ReportGroupDone(jobID)
	}
	if got := d.Jobs.Get(jobID).Percent; got != 100 {
		t.Fatalf("expected 100%% once every group reports done, got %d", got)
	}
}

func TestDispatcher_MultiStatusHandlesUnknownID(t *testing.T) {
	d, q := newTestDispatcher()
	defer q.Close()
	ctx := context.Background()

	req := enrollment.EnrollByGroupsRequest{StudentID: "s1", PeriodID: "p1", Groups: []string{"G1"}}
	result, err := d.Enroll(ctx, req)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	entries := d.MultiStatus(ctx, []string{result.MainTaskID, "does-not-exist"})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Error != "" || entries[0].Task == nil {
		t.Fatalf("expected entry 0 to resolve, got error=%q task=%v", entries[0].Error, entries[0].Task)
	}
	if entries[1].Error == "" {
		t.Fatal("expected entry 1 to carry a lookup error")
	}
}

func TestDispatcher_TriggerHealthCheck(t *testing.T) {
	d, q := newTestDispatcher()
	defer q.Close()
	ctx := context.Background()

	taskID, err := d.TriggerHealthCheck(ctx)
	if err != nil {
		t.Fatalf("TriggerHealthCheck: %v", err)
	}
	task, err := d.Status(ctx, taskID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if task.Route != taskqueue.RouteHealth {
		t.Fatalf("expected route %s, got %s", taskqueue.RouteHealth, task.Route)
	}
}
