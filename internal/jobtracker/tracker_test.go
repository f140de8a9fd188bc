package jobtracker

import (
	"testing"
	"time"
)

func TestTracker_UpdateAndGet(t *testing.T) {
	tr := New(time.Minute)

	tr.Update("job-1", 50, "4/8 groups enrolled", "processing")
	p := tr.Get("job-1")
	if p == nil {
		t.Fatal("expected progress to be tracked")
	}
	if p.Percent != 50 || p.Phase != "processing" {
		t.Fatalf("unexpected progress: %+v", p)
	}
}

func TestTracker_UpdateClampsPercent(t *testing.T) {
	tr := New(time.Minute)

	tr.Update("job-1", -5, "", "queued")
	if got := tr.Get("job-1").Percent; got != 0 {
		t.Fatalf("expected clamp to 0, got %d", got)
	}

	tr.Update("job-1", 150, "", "done")
	if got := tr.Get("job-1").Percent; got != 100 {
		t.Fatalf("expected clamp to 100, got %d", got)
	}
}

func TestTracker_GetUnknownJobReturnsNil(t *testing.T) {
	tr := New(time.Minute)
	if tr.Get("missing") != nil {
		t.Fatal("expected nil for untracked job")
	}
}

func TestTracker_RemoveDeletesEntry(t *testing.T) {
	tr := New(time.Minute)
	tr.Update("job-1", 10, "", "queued")
	tr.Remove("job-1")
	if tr.Get("job-1") != nil {
		t.Fatal("expected entry to be removed")
	}
}

func TestTracker_IsStale(t *testing.T) {
	tr := New(time.Minute)
	tr.Update("job-1", 10, "", "queued")

	if tr.IsStale("job-1", time.Hour) {
		t.Fatal("freshly updated job should not be stale against a long timeout")
	}
	if !tr.IsStale("job-1", 0) {
		t.Fatal("any elapsed time should exceed a zero timeout")
	}
	if !tr.IsStale("missing", time.Hour) {
		t.Fatal("an untracked job should be reported stale")
	}
}

func TestTracker_ListActiveReturnsAllEntries(t *testing.T) {
	tr := New(time.Minute)
	tr.Update("job-1", 10, "", "queued")
	tr.Update("job-2", 90, "", "processing")

	active := tr.ListActive()
	if len(active) != 2 {
		t.Fatalf("expected 2 active jobs, got %d", len(active))
	}
}
