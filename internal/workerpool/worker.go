// Package workerpool drains internal/taskqueue routes and dispatches
// each delivery to a named handler, the way the task queue's older
// cousin (internal/asyncqueue, before this repo grew a saga and a
// durable task queue of its own) drained DB-polled async invocations.
// The shape survives: a handful of poller goroutines feed a shared
// channel that a pool of worker goroutines drains, with an optional
// AIMD controller resizing the pool under load.
package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/nova/internal/enrollment"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/taskqueue"
)

// Handler processes one delivered task and returns its result payload.
// A returned *enrollment.Error's category decides whether the task
// queue retries the task; any other error is treated as CategoryTransient
// (retried) per enrollment.CategoryOf's documented default.
type Handler func(ctx context.Context, task *taskqueue.Task) (any, error)

// Config configures the worker pool.
type Config struct {
	Routes          []string // routes to drain; order has no effect
	Workers         int      // static worker goroutine count (ignored when Adaptive.Enabled)
	PollersPerRoute int      // goroutines blocked in Queue.Consume per route
	InvokeTimeout   time.Duration
	Adaptive        AdaptiveConfig
}

const (
	defaultWorkers         = 16
	defaultPollersPerRoute = 2
	defaultInvokeTimeout   = 5 * time.Minute
	statsProbeInterval     = time.Second
)

// WorkerPool drains the configured routes of a taskqueue.Queue and
// dispatches each delivery to the handler registered under its
// HandlerName.
type WorkerPool struct {
	queue    taskqueue.Queue
	registry map[string]Handler
	cfg      Config

	stopCh  chan struct{}
	taskCh  chan *taskqueue.Delivery
	started bool
	mu      sync.Mutex
	wg      sync.WaitGroup

	adaptive *AdaptiveController
}

// New creates a worker pool over queue. registry maps a task's
// HandlerName to the function that processes it; an unrecognized
// HandlerName fails the task with CategoryInvalidArgument (not
// retried — a new binary version will be needed, not a retry).
func New(queue taskqueue.Queue, registry map[string]Handler, cfg Config) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PollersPerRoute <= 0 {
		cfg.PollersPerRoute = defaultPollersPerRoute
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = defaultInvokeTimeout
	}
	wp := &WorkerPool{
		queue:    queue,
		registry: registry,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		taskCh:   make(chan *taskqueue.Delivery, cfg.Workers*2),
	}
	if cfg.Adaptive.Enabled {
		wp.adaptive = newAdaptiveController(cfg.Adaptive, cfg.Workers, cfg.PollersPerRoute, statsProbeInterval)
	}
	return wp
}

// Start launches poller and worker goroutines for every configured route.
func (w *WorkerPool) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	for _, route := range w.cfg.Routes {
		for i := 0; i < w.cfg.PollersPerRoute; i++ {
			w.wg.Add(1)
			go w.poller(route, i)
		}
	}

	w.wg.Add(1)
	go w.metricsProbeLoop()

	if w.adaptive != nil {
		w.adaptive.Start()
		w.wg.Add(1)
		go w.elasticWorkerManager()
		w.wg.Add(1)
		go w.statsProbeLoop()

		logging.Op().Info("worker pool started (adaptive mode)",
			"routes", w.cfg.Routes,
			"initial_workers", w.adaptive.Workers(),
		)
		return
	}

	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}

	logging.Op().Info("worker pool started",
		"routes", w.cfg.Routes,
		"workers", w.cfg.Workers,
		"pollers_per_route", w.cfg.PollersPerRoute,
	)
}

// Stop gracefully shuts down all pollers and workers.
func (w *WorkerPool) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.stopCh)
	w.mu.Unlock()

	if w.adaptive != nil {
		w.adaptive.Stop()
	}
	w.wg.Wait()
	logging.Op().Info("worker pool stopped")
}

// poller blocks in Queue.Consume for route and feeds every delivery
// into the shared task channel for a worker to pick up.
func (w *WorkerPool) poller(route string, id int) {
	defer w.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.stopCh
		cancel()
	}()

	pollerID := fmt.Sprintf("%s-poller-%d", route, id)
	for {
		delivery, err := w.queue.Consume(ctx, route)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, taskqueue.ErrNoTask) {
				continue
			}
			logging.Op().Error("consume failed", "poller", pollerID, "route", route, "error", err)
			continue
		}
		select {
		case w.taskCh <- delivery:
		case <-w.stopCh:
			return
		}
	}
}

// worker drains the shared task channel until the pool stops.
func (w *WorkerPool) worker(id int) {
	defer w.wg.Done()
	workerID := fmt.Sprintf("worker-%d", id)
	for {
		select {
		case <-w.stopCh:
			return
		case delivery := <-w.taskCh:
			w.processJob(workerID, delivery)
		}
	}
}

func (w *WorkerPool) processJob(workerID string, delivery *taskqueue.Delivery) {
	task := &delivery.Task

	softDeadline := task.SoftDeadline
	if softDeadline <= 0 {
		softDeadline = w.cfg.InvokeTimeout
	}
	hardDeadline := task.HardDeadline
	if hardDeadline <= 0 {
		hardDeadline = w.cfg.InvokeTimeout
	}

	// ctx carries the soft deadline: a catchable timeout the handler (and
	// any saga it runs) observes via ctx.Err() at blocking calls and step
	// boundaries. hardDeadline below is the backstop that fires even if
	// the handler never looks at ctx again.
	ctx, cancel := context.WithTimeout(context.Background(), softDeadline)
	defer cancel()

	if revoked, _ := w.queue.IsRevoked(ctx, task.ID); revoked {
		logging.Op().Info("task revoked before dispatch, skipping", "task", task.ID, "handler", task.HandlerName)
		_ = w.queue.Fail(ctx, task.ID, "revoked", "cancelled before dispatch", false)
		if w.adaptive != nil {
			w.adaptive.RecordCompleted(1)
		}
		return
	}

	handler, ok := w.registry[task.HandlerName]
	if !ok {
		logging.Op().Error("no handler registered", "worker", workerID, "task", task.ID, "handler", task.HandlerName)
		_ = w.queue.Fail(ctx, task.ID, string(enrollment.CategoryInvalidArgument), "unknown handler: "+task.HandlerName, false)
		if w.adaptive != nil {
			w.adaptive.RecordCompleted(1)
		}
		return
	}

	start := time.Now()
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(ctx, task)
		done <- outcome{result: result, err: err}
	}()

	var result any
	var err error
	select {
	case o := <-done:
		result, err = o.result, o.err
	case <-time.After(hardDeadline):
		// Hard deadline: the handler ignored (or outran) the soft
		// deadline's cancellation. We cannot forcibly kill its goroutine
		// in Go, so we stop waiting for it, cancel its context so it at
		// least stops doing further work the moment it next checks ctx,
		// and fail the task now rather than hold the worker hostage.
		cancel()
		logging.Op().Error("task exceeded hard deadline, abandoning handler",
			"task", task.ID, "handler", task.HandlerName, "hard_deadline", hardDeadline)
		metrics.RecordTaskDuration(task.Route, task.HandlerName, float64(time.Since(start).Milliseconds()))
		if w.adaptive != nil {
			w.adaptive.RecordCompleted(1)
		}
		failCtx := context.Background()
		if failErr := w.queue.Fail(failCtx, task.ID, string(enrollment.CategoryTransient),
			fmt.Sprintf("hard deadline of %s exceeded", hardDeadline), true); failErr != nil {
			logging.Op().Error("fail failed", "task", task.ID, "error", failErr)
		}
		metrics.RecordTask(task.Route, "failed")
		return
	}

	metrics.RecordTaskDuration(task.Route, task.HandlerName, float64(time.Since(start).Milliseconds()))
	if w.adaptive != nil {
		w.adaptive.RecordCompleted(1)
	}

	if err == nil {
		raw, marshalErr := marshalResult(result)
		if marshalErr != nil {
			logging.Op().Error("marshal handler result failed", "task", task.ID, "error", marshalErr)
			_ = w.queue.Fail(ctx, task.ID, string(enrollment.CategoryInvariant), marshalErr.Error(), false)
			metrics.RecordTask(task.Route, "failed")
			return
		}
		if ackErr := w.queue.Ack(ctx, task.ID, raw); ackErr != nil {
			logging.Op().Error("ack failed", "task", task.ID, "error", ackErr)
		}
		metrics.RecordTask(task.Route, "succeeded")
		logging.Op().Debug("task succeeded", "task", task.ID, "handler", task.HandlerName, "attempt", task.Retries+1)
		return
	}

	category := enrollment.CategoryOf(err)
	retryable := true
	var enrollErr *enrollment.Error
	if errors.As(err, &enrollErr) {
		retryable = enrollErr.Retryable()
	}
	if failErr := w.queue.Fail(ctx, task.ID, string(category), err.Error(), retryable); failErr != nil {
		logging.Op().Error("fail failed", "task", task.ID, "error", failErr)
	}
	if !retryable {
		metrics.RecordTask(task.Route, "failed")
	}
	logging.Op().Warn("task failed", "task", task.ID, "handler", task.HandlerName, "category", category, "retryable", retryable, "error", err)
}

// elasticWorkerManager dynamically adjusts the number of active worker
// goroutines based on the adaptive controller's target.
func (w *WorkerPool) elasticWorkerManager() {
	defer w.wg.Done()

	type workerHandle struct {
		cancel context.CancelFunc
	}

	var handles []workerHandle
	reconcile := func() {
		target := w.adaptive.Workers()
		current := len(handles)

		if target > current {
			for i := current; i < target; i++ {
				ctx, cancel := context.WithCancel(context.Background())
				handles = append(handles, workerHandle{cancel: cancel})
				w.wg.Add(1)
				go w.elasticWorker(i, ctx)
			}
		} else if target < current {
			for i := current - 1; i >= target; i-- {
				handles[i].cancel()
			}
			handles = handles[:target]
		}
	}

	reconcile()

	ticker := time.NewTicker(w.adaptive.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			for _, h := range handles {
				h.cancel()
			}
			return
		case <-ticker.C:
			reconcile()
		}
	}
}

func (w *WorkerPool) elasticWorker(id int, ctx context.Context) {
	defer w.wg.Done()
	workerID := fmt.Sprintf("elastic-worker-%d", id)
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case delivery := <-w.taskCh:
			w.processJob(workerID, delivery)
		}
	}
}

// metricsProbeLoop feeds the queue_depth gauge. Queue.Stats is aggregate
// across every route rather than broken out per route, so every route
// this pool drains reports the same pool-wide depth.
func (w *WorkerPool) metricsProbeLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(statsProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			stats, err := w.queue.Stats(context.Background())
			if err != nil {
				continue
			}
			for _, route := range w.cfg.Routes {
				metrics.SetQueueDepth(route, stats.Pending)
			}
		}
	}
}

// statsProbeLoop feeds the adaptive controller a queue-depth signal it
// has no other way to observe, since Queue.Consume already blocks
// internally instead of returning a batch-with-remaining-depth like a
// DB poll would.
func (w *WorkerPool) statsProbeLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(statsProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			stats, err := w.queue.Stats(context.Background())
			if err != nil {
				continue
			}
			w.adaptive.SetQueueDepth(int64(stats.Pending))
		}
	}
}

func marshalResult(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	if raw, ok := v.([]byte); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
