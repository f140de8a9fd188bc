package workerpool

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/oriys/nova/internal/enrollment"
	"github.com/oriys/nova/internal/taskqueue"
)

func TestWorkerPool_DispatchesToHandlerAndAcks(t *testing.T) {
	q := taskqueue.NewMemQueue()
	defer q.Close()

	done := make(chan struct{})
	registry := map[string]Handler{
		"echo": func(ctx context.Context, task *taskqueue.Task) (any, error) {
			defer close(done)
			var payload map[string]string
			if err := json.Unmarshal(task.Payload, &payload); err != nil {
				return nil, err
			}
			return payload, nil
		},
	}

	wp := New(q, registry, Config{Routes: []string{taskqueue.RouteHealth}, Workers: 2})
	wp.Start()
	defer wp.Stop()

	ctx := context.Background()
	id, err := q.Enqueue(ctx, taskqueue.RouteHealth, "echo", map[string]string{"ping": "pong"}, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	waitForResult(t, q, id, taskqueue.StatusSucceeded)
}

func TestWorkerPool_UnknownHandlerFailsWithoutRetry(t *testing.T) {
	q := taskqueue.NewMemQueue()
	defer q.Close()

	wp := New(q, map[string]Handler{}, Config{Routes: []string{taskqueue.RouteHealth}, Workers: 1})
	wp.Start()
	defer wp.Stop()

	ctx := context.Background()
	id, err := q.Enqueue(ctx, taskqueue.RouteHealth, "does_not_exist", nil, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitForResult(t, q, id, taskqueue.StatusFailed)
}

func TestWorkerPool_RetryableErrorRequeues(t *testing.T) {
	q := taskqueue.NewMemQueue()
	defer q.Close()

	attempted := make(chan struct{}, 1)
	registry := map[string]Handler{
		"flaky": func(ctx context.Context, task *taskqueue.Task) (any, error) {
			select {
			case attempted <- struct{}{}:
			default:
			}
			return nil, enrollment.Newf(enrollment.CategoryTransient, "simulated hiccup")
		},
	}

	wp := New(q, registry, Config{Routes: []string{taskqueue.RouteHealth}, Workers: 1})
	wp.Start()
	defer wp.Stop()

	ctx := context.Background()
	id, err := q.Enqueue(ctx, taskqueue.RouteHealth, "flaky", nil, &taskqueue.EnqueueOptions{MaxRetries: 1})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-attempted:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	// The task queue (not the worker pool) owns backoff scheduling; the
	// retry count bumping to 1 and the task going back to queued is the
	// worker pool's contract with it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := q.Result(ctx, id)
		if err == nil && task.Retries == 1 && task.Status == taskqueue.StatusQueued {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task was not requeued with an incremented retry count")
}

// TestWorkerPool_HardDeadlineAbandonsSlowHandler verifies the two-level
// timeout from base-spec §4.9/§5: a handler that ignores its soft
// deadline's context cancellation and keeps running is abandoned at the
// hard deadline rather than holding the worker forever. The hard
// deadline failure is categorized transient/retryable (a timeout, per
// base-spec §7), so the task goes back to the queue rather than
// straight to the DLQ.
func TestWorkerPool_HardDeadlineAbandonsSlowHandler(t *testing.T) {
	q := taskqueue.NewMemQueue()
	defer q.Close()

	started := make(chan struct{})
	registry := map[string]Handler{
		"slow": func(ctx context.Context, task *taskqueue.Task) (any, error) {
			close(started)
			<-ctx.Done() // simulate a handler that ignores the soft deadline
			time.Sleep(time.Second)
			return nil, nil
		},
	}

	wp := New(q, registry, Config{Routes: []string{taskqueue.RouteHealth}, Workers: 1})
	wp.Start()
	defer wp.Stop()

	ctx := context.Background()
	id, err := q.Enqueue(ctx, taskqueue.RouteHealth, "slow", nil, &taskqueue.EnqueueOptions{
		SoftDeadline: 10 * time.Millisecond,
		HardDeadline: 50 * time.Millisecond,
		MaxRetries:   1,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := q.Result(ctx, id)
		if err == nil && task.Retries == 1 && task.Status == taskqueue.StatusQueued {
			if task.ErrorCategory != string(enrollment.CategoryTransient) {
				t.Fatalf("ErrorCategory = %s, want transient", task.ErrorCategory)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task was not requeued after exceeding its hard deadline")
}

func waitForResult(t *testing.T, q taskqueue.Queue, id string, want taskqueue.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	ctx := context.Background()
	for time.Now().Before(deadline) {
		task, err := q.Result(ctx, id)
		if err == nil && task.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", id, want)
}
