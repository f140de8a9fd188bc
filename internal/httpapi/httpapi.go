// Package httpapi is the HTTP surface over the enrollment core: the twelve
// endpoints that submit enrollment requests, poll their status, and
// expose operational snapshots of the queue, breaker registry, and
// in-flight sagas. Handlers stay thin JSON shims over the dispatcher,
// task queue, breaker registry, saga tracker, and idempotency store —
// the way the teacher's dataplane handlers stay thin shims over its
// store, with no business logic of their own.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/oriys/nova/internal/breaker"
	"github.com/oriys/nova/internal/dispatcher"
	"github.com/oriys/nova/internal/enrollment"
	"github.com/oriys/nova/internal/idempotency"
	"github.com/oriys/nova/internal/jobtracker"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/saga"
	"github.com/oriys/nova/internal/taskqueue"
)

// Handler groups the dependencies every endpoint needs.
type Handler struct {
	Dispatcher  *dispatcher.Dispatcher
	Queue       taskqueue.Queue
	Breakers    *breaker.Registry
	Sagas       *saga.Tracker
	Idempotency *idempotency.Store
	Jobs        *jobtracker.Tracker
}

// NewMux builds a *http.ServeMux with every endpoint registered using Go
// 1.22+ method+path patterns.
func NewMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /enroll/by-groups", h.EnrollByGroups)
	mux.HandleFunc("POST /enroll/bulk", h.EnrollBulk)
	mux.HandleFunc("GET /tasks/{id}", h.GetTask)
	mux.HandleFunc("POST /tasks/status/multiple", h.MultiStatus)
	mux.HandleFunc("DELETE /tasks/{id}", h.CancelTask)
	mux.HandleFunc("GET /queue/stats", h.QueueStats)
	mux.HandleFunc("GET /circuit-breakers", h.CircuitBreakers)
	mux.HandleFunc("POST /circuit-breakers/{name}/reset", h.ResetCircuitBreaker)
	mux.HandleFunc("GET /sagas", h.Sagas)
	mux.HandleFunc("GET /jobs/{id}/progress", h.JobProgress)
	mux.HandleFunc("DELETE /idempotency/{key}", h.InvalidateIdempotency)
	mux.HandleFunc("POST /health-check", h.HealthCheck)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Op().Error("encode response failed", "error", err)
	}
}

type errorBody struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
}

// writeError maps an *enrollment.Error's category to an HTTP status the
// way base-spec §6.2 calls for; an uncategorized error is treated as an
// internal failure.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	category := string(enrollment.CategoryOf(err))

	switch enrollment.CategoryOf(err) {
	case enrollment.CategoryNotFound:
		status = http.StatusNotFound
	case enrollment.CategoryInactive, enrollment.CategoryBlocked, enrollment.CategoryScheduleConflict, enrollment.CategoryDuplicate:
		status = http.StatusConflict
	case enrollment.CategoryCapacityExhausted:
		status = http.StatusUnprocessableEntity
	case enrollment.CategoryInvalidArgument:
		status = http.StatusBadRequest
	case enrollment.CategoryBreakerOpen:
		status = http.StatusServiceUnavailable
	case enrollment.CategoryTransient, enrollment.CategoryInvariant, enrollment.CategoryCompensationFailure:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, errorBody{Error: err.Error(), Category: category})
}

// EnrollByGroups handles POST /enroll/by-groups.
func (h *Handler) EnrollByGroups(w http.ResponseWriter, r *http.Request) {
	var req enrollment.EnrollByGroupsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}

	result, err := h.Dispatcher.Enroll(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, struct {
		MainTaskID string                 `json:"main_task_id"`
		GroupTasks []dispatcher.GroupTask `json:"group_tasks"`
		Status     string                 `json:"status"`
	}{
		MainTaskID: result.MainTaskID,
		GroupTasks: result.GroupTasks,
		Status:     "QUEUED",
	})
}

// EnrollBulk handles POST /enroll/bulk.
func (h *Handler) EnrollBulk(w http.ResponseWriter, r *http.Request) {
	var entries []enrollment.BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}

	results, jobID, err := h.Dispatcher.Bulk(r.Context(), entries)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, struct {
		JobID   string                  `json:"job_id"`
		Entries []dispatcher.BulkResult `json:"entries"`
		Status  string                  `json:"status"`
	}{JobID: jobID, Entries: results, Status: "QUEUED"})
}

type taskStatusBody struct {
	TaskID  string          `json:"task_id"`
	Status  taskqueue.Status `json:"status"`
	Current int              `json:"current,omitempty"`
	Total   int              `json:"total,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func toTaskStatusBody(task *taskqueue.Task) taskStatusBody {
	body := taskStatusBody{
		TaskID: task.ID,
		Status: task.Status,
		Result: task.Result,
		Error:  task.Error,
	}
	if task.MaxRetries > 0 {
		body.Current = task.Retries
		body.Total = task.MaxRetries
	}
	return body
}

// GetTask handles GET /tasks/{id}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := h.Dispatcher.Status(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toTaskStatusBody(task))
}

// MultiStatus handles POST /tasks/status/multiple.
func (h *Handler) MultiStatus(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}

	entries := h.Dispatcher.MultiStatus(r.Context(), ids)
	out := make([]taskStatusBody, 0, len(entries))
	for _, e := range entries {
		if e.Task != nil {
			out = append(out, toTaskStatusBody(e.Task))
			continue
		}
		out = append(out, taskStatusBody{TaskID: e.TaskID, Error: e.Error})
	}
	writeJSON(w, http.StatusOK, out)
}

// CancelTask handles DELETE /tasks/{id}.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Dispatcher.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}{TaskID: id, Status: "revoked"})
}

// QueueStats handles GET /queue/stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// CircuitBreakers handles GET /circuit-breakers.
func (h *Handler) CircuitBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Breakers.Snapshot())
}

// ResetCircuitBreaker handles POST /circuit-breakers/{name}/reset.
func (h *Handler) ResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.Breakers.Reset(name) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown breaker: " + name})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}{Name: name, Status: "reset"})
}

// Sagas handles GET /sagas.
func (h *Handler) Sagas(w http.ResponseWriter, r *http.Request) {
	if h.Sagas == nil {
		writeJSON(w, http.StatusOK, []saga.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, h.Sagas.Snapshot())
}

// JobProgress handles GET /jobs/{id}/progress, reporting aggregate
// progress for a bulk enrollment submission across all of its fanned-out
// group tasks.
func (h *Handler) JobProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.Jobs == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "job progress not tracked"})
		return
	}
	progress := h.Jobs.Get(id)
	if progress == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown job: " + id})
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// InvalidateIdempotency handles DELETE /idempotency/{key}.
func (h *Handler) InvalidateIdempotency(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	removed, err := h.Idempotency.Invalidate(r.Context(), key)
	if err != nil {
		writeError(w, enrollment.Wrap(enrollment.CategoryTransient, err, "invalidate idempotency key"))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Key     string `json:"key"`
		Removed bool   `json:"removed"`
	}{Key: key, Removed: removed})
}

// HealthCheck handles POST /health-check.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	taskID, err := h.Dispatcher.TriggerHealthCheck(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}{TaskID: taskID, Status: "QUEUED"})
}
