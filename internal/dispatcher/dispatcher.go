// Package dispatcher is the thin facade between the HTTP API and the
// durable task queue: it turns an enroll-by-groups request into an
// idempotency-checked task, fans a bulk submission out into one task per
// entry, and answers status lookups by id. It holds no enrollment
// business logic of its own — that lives in internal/enrollment and runs
// inside the worker pool — the way the teacher's own handler packages
// stay thin wrappers over lower-level services.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/nova/internal/enrollment"
	"github.com/oriys/nova/internal/idempotency"
	"github.com/oriys/nova/internal/jobtracker"
	"github.com/oriys/nova/internal/taskqueue"
)

// EnrollHandlerName and BulkHandlerName are the HandlerName values the
// dispatcher attaches to tasks it enqueues; the worker pool's handler
// registry must have matching entries.
const (
	EnrollHandlerName = "enroll_by_groups"
	BulkHandlerName   = "enroll_single_group"
	HealthHandlerName = "health_check"
)

// GroupTask names the task a caller can poll for one group's outcome.
// The saga processes every group in a by-groups request as a single
// atomic unit (schedule conflicts are checked across the whole group
// set together), so every entry shares the same underlying task id —
// the wire shape still lists them per group because that is how a
// caller will want to report per-group progress to a student.
type GroupTask struct {
	Group  string `json:"group"`
	TaskID string `json:"task_id"`
}

// EnrollResult is returned by Enroll: the correlation id the caller
// should use to poll Status, a per-group breakdown of that same id, and
// whether the request was served from the idempotency cache instead of
// enqueued fresh.
type EnrollResult struct {
	MainTaskID string      `json:"main_task_id"`
	GroupTasks []GroupTask `json:"group_tasks"`
	Cached     bool        `json:"cached"`
}

// Dispatcher accepts enrollment requests over HTTP and translates them
// into taskqueue tasks.
type Dispatcher struct {
	Queue       taskqueue.Queue
	Idempotency *idempotency.Store
	Jobs        *jobtracker.Tracker

	bulkMu     sync.Mutex
	bulkTotals map[string]int
	bulkDone   map[string]int
}

// New builds a Dispatcher over queue and the idempotency store idem.
// jobs may be nil, in which case bulk submissions are not tracked for
// aggregate progress.
func New(queue taskqueue.Queue, idem *idempotency.Store, jobs *jobtracker.Tracker) *Dispatcher {
	return &Dispatcher{
		Queue:       queue,
		Idempotency: idem,
		Jobs:        jobs,
		bulkTotals:  make(map[string]int),
		bulkDone:    make(map[string]int),
	}
}

// Enroll enqueues a single enroll-by-groups request onto the main
// enrollments route. A request that fingerprints identically to one
// already seen within the idempotency TTL returns the cached task id
// without enqueuing a duplicate.
func (d *Dispatcher) Enroll(ctx context.Context, req enrollment.EnrollByGroupsRequest) (*EnrollResult, error) {
	key := idempotency.Key(EnrollHandlerName, req.StudentID, map[string]any{
		"student_id": req.StudentID,
		"period_id":  req.PeriodID,
		"groups":     toAnySlice(req.Groups),
	})

	raw, cached, err := d.Idempotency.GetOrRun(ctx, key, idempotency.DefaultTTL, func(ctx context.Context) (json.RawMessage, error) {
		taskID, err := d.Queue.Enqueue(ctx, taskqueue.RouteEnrollments, EnrollHandlerName, req, nil)
		if err != nil {
			return nil, enrollment.Wrap(enrollment.CategoryTransient, err, "enqueue enrollment task")
		}
		groupTasks := make([]GroupTask, 0, len(req.Groups))
		for _, g := range req.Groups {
			groupTasks = append(groupTasks, GroupTask{Group: g, TaskID: taskID})
		}
		return json.Marshal(EnrollResult{MainTaskID: taskID, GroupTasks: groupTasks})
	})
	if err != nil {
		return nil, err
	}

	var result EnrollResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, enrollment.Wrap(enrollment.CategoryInvariant, err, "decode cached enroll result")
	}
	result.Cached = cached
	return &result, nil
}

// BulkResult is one entry's outcome in a bulk submission: either a task
// id was enqueued, or an enqueue-time error is reported inline so one bad
// entry doesn't fail the whole batch.
type BulkResult struct {
	StudentID string `json:"student_id"`
	PeriodID  string `json:"period_id"`
	Group     string `json:"group"`
	TaskID    string `json:"task_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Bulk fans a bulk submission out into one task per (student, period,
// group) tuple, enqueued on the single-group route. A top-level
// correlation key threads every resulting task back to the parent
// request without requiring a shared idempotency fingerprint across
// groups (each group task is independently retryable). That same key is
// the job id a caller polls for aggregate batch progress.
func (d *Dispatcher) Bulk(ctx context.Context, entries []enrollment.BulkRequest) ([]BulkResult, string, error) {
	topKey := uuid.NewString()
	results := make([]BulkResult, 0, len(entries))
	total := 0
	for _, entry := range entries {
		total += len(entry.Groups)
	}

	d.registerBulkJob(topKey, total)

	for _, entry := range entries {
		for _, group := range entry.Groups {
			single := enrollment.SingleGroupRequest{
				StudentID:         entry.StudentID,
				PeriodID:          entry.PeriodID,
				Group:             group,
				TopIdempotencyKey: topKey,
			}
			taskID, err := d.Queue.Enqueue(ctx, taskqueue.RouteSingleGroup, BulkHandlerName, single, nil)
			res := BulkResult{StudentID: entry.StudentID, PeriodID: entry.PeriodID, Group: group}
			if err != nil {
				res.Error = err.Error()
				d.ReportGroupDone(topKey)
			} else {
				res.TaskID = taskID
			}
			results = append(results, res)
		}
	}
	return results, topKey, nil
}

// registerBulkJob seeds the job tracker entry for a fresh bulk submission.
func (d *Dispatcher) registerBulkJob(jobID string, total int) {
	if d.Jobs == nil || total == 0 {
		return
	}
	d.bulkMu.Lock()
	d.bulkTotals[jobID] = total
	d.bulkDone[jobID] = 0
	d.bulkMu.Unlock()
	d.Jobs.Update(jobID, 0, fmt.Sprintf("0/%d groups enrolled", total), "queued")
}

// ReportGroupDone records that one group task belonging to a bulk
// submission reached a terminal state (success or failure), advancing
// that batch's aggregate progress. The worker pool calls this from the
// single-group handler once the enroll workflow returns.
func (d *Dispatcher) ReportGroupDone(jobID string) {
	if d.Jobs == nil {
		return
	}
	d.bulkMu.Lock()
	total, ok := d.bulkTotals[jobID]
	if !ok {
		d.bulkMu.Unlock()
		return
	}
	d.bulkDone[jobID]++
	done := d.bulkDone[jobID]
	if done >= total {
		delete(d.bulkTotals, jobID)
		delete(d.bulkDone, jobID)
	}
	d.bulkMu.Unlock()

	percent := 100
	if total > 0 {
		percent = done * 100 / total
	}
	phase := "processing"
	if done >= total {
		phase = "done"
	}
	d.Jobs.Update(jobID, percent, fmt.Sprintf("%d/%d groups enrolled", done, total), phase)
}

// Status reports the current state of a previously enqueued task.
func (d *Dispatcher) Status(ctx context.Context, taskID string) (*taskqueue.Task, error) {
	return d.Queue.Result(ctx, taskID)
}

// MultiStatus looks up every id in ids and returns what it can: a lookup
// failure for one id (not found, expired) is recorded per-entry rather
// than failing the whole batch.
type MultiStatusEntry struct {
	TaskID string          `json:"task_id"`
	Task   *taskqueue.Task `json:"task,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (d *Dispatcher) MultiStatus(ctx context.Context, ids []string) []MultiStatusEntry {
	out := make([]MultiStatusEntry, 0, len(ids))
	for _, id := range ids {
		task, err := d.Queue.Result(ctx, id)
		entry := MultiStatusEntry{TaskID: id}
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Task = task
		}
		out = append(out, entry)
	}
	return out
}

// Cancel requests cooperative revocation of a not-yet-terminal task.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	return d.Queue.Cancel(ctx, taskID)
}

// TriggerHealthCheck enqueues a no-op task on the health route, used by
// the POST /health-check endpoint to confirm the queue and at least one worker are
// alive end to end.
func (d *Dispatcher) TriggerHealthCheck(ctx context.Context) (string, error) {
	return d.Queue.Enqueue(ctx, taskqueue.RouteHealth, HealthHandlerName, enrollment.HealthCheckRequest{RequestedAt: time.Now()}, nil)
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
