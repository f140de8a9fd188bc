package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemQueue is an in-memory Queue used by tests and single-process
// deployments. It mirrors RedisQueue's semantics (late-ack via a
// processing set, delayed retries via a periodic scan of due times, DLQ
// per route) without any network dependency.
type MemQueue struct {
	mu         sync.Mutex
	ready      map[string][]string // route -> FIFO queue of task ids
	processing map[string]map[string]bool
	delayed    map[string]time.Time // task id -> due time
	dlq        map[string][]string
	tasks      map[string]*Task
	revoked    map[string]bool
	waiters    map[string][]chan struct{}

	notifier *ChannelNotifier

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMemQueue creates an empty in-memory queue.
func NewMemQueue() *MemQueue {
	q := &MemQueue{
		ready:      make(map[string][]string),
		processing: make(map[string]map[string]bool),
		delayed:    make(map[string]time.Time),
		dlq:        make(map[string][]string),
		tasks:      make(map[string]*Task),
		revoked:    make(map[string]bool),
		waiters:    make(map[string][]chan struct{}),
		notifier:   NewChannelNotifier(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go q.promote()
	return q
}

func (q *MemQueue) Enqueue(ctx context.Context, route, handlerName string, payload any, opts *EnqueueOptions) (string, error) {
	o := opts.withDefaults()
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("taskqueue: marshal payload: %w", err)
	}

	id := uuid.NewString()
	task := &Task{
		ID:           id,
		Route:        route,
		HandlerName:  handlerName,
		Payload:      body,
		Priority:     o.Priority,
		MaxRetries:   o.MaxRetries,
		SoftDeadline: o.SoftDeadline,
		HardDeadline: o.HardDeadline,
		Status:       StatusQueued,
		CreatedAt:    time.Now().UTC(),
	}

	q.mu.Lock()
	q.tasks[id] = task
	if o.Priority == PriorityHigh {
		q.ready[route] = append([]string{id}, q.ready[route]...)
	} else {
		q.ready[route] = append(q.ready[route], id)
	}
	q.mu.Unlock()

	q.notifier.Notify(ctx, route)
	return id, nil
}

func (q *MemQueue) Consume(ctx context.Context, route string) (*Delivery, error) {
	for {
		q.mu.Lock()
		queue := q.ready[route]
		if len(queue) > 0 {
			id := queue[0]
			q.ready[route] = queue[1:]
			if q.processing[route] == nil {
				q.processing[route] = make(map[string]bool)
			}
			q.processing[route][id] = true
			task := q.tasks[id]
			task.Status = StatusRunning
			task.StartedAt = time.Now().UTC()
			copied := *task
			q.mu.Unlock()
			return &Delivery{Task: copied}, nil
		}
		q.mu.Unlock()

		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		ch := q.notifier.Subscribe(waitCtx, route)
		select {
		case <-ch:
		case <-waitCtx.Done():
		}
		cancel()
		if ctx.Err() != nil {
			return nil, ErrNoTask
		}
	}
}

func (q *MemQueue) Ack(ctx context.Context, taskID string, result json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if q.processing[task.Route] != nil {
		delete(q.processing[task.Route], taskID)
	}
	task.Status = StatusSucceeded
	task.Result = result
	task.CompletedAt = time.Now().UTC()
	return nil
}

func (q *MemQueue) Fail(ctx context.Context, taskID string, category, message string, retryable bool) error {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if q.processing[task.Route] != nil {
		delete(q.processing[task.Route], taskID)
	}

	if retryable && task.Retries < task.MaxRetries {
		task.Retries++
		task.Status = StatusQueued
		task.Error = message
		task.ErrorCategory = category
		delay := BackoffDelay(task.Retries-1, DefaultBackoffBase, DefaultBackoffFactor, DefaultBackoffMax, jitter(time.Second))
		q.delayed[taskID] = time.Now().Add(delay)
		q.mu.Unlock()
		return nil
	}

	task.Status = StatusFailed
	task.Error = message
	task.ErrorCategory = category
	task.CompletedAt = time.Now().UTC()
	q.dlq[task.Route] = append(q.dlq[task.Route], taskID)
	q.mu.Unlock()
	return nil
}

func (q *MemQueue) Cancel(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if task.Status.Terminal() {
		return ErrAlreadyTerminal
	}

	if task.Status == StatusQueued {
		queue := q.ready[task.Route]
		for i, id := range queue {
			if id == taskID {
				q.ready[task.Route] = append(queue[:i], queue[i+1:]...)
				task.Status = StatusRevoked
				task.CompletedAt = time.Now().UTC()
				return nil
			}
		}
	}

	q.revoked[taskID] = true
	return nil
}

func (q *MemQueue) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.revoked[taskID], nil
}

func (q *MemQueue) Result(ctx context.Context, taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *task
	return &copied, nil
}

func (q *MemQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var st Stats
	for _, queue := range q.ready {
		st.Pending += len(queue)
	}
	for _, set := range q.processing {
		st.Active += len(set)
	}
	for _, dead := range q.dlq {
		st.Failed += len(dead)
	}
	for _, t := range q.tasks {
		if t.Status == StatusSucceeded {
			st.Completed++
		}
	}
	return st, nil
}

func (q *MemQueue) Close() error {
	close(q.stopCh)
	<-q.doneCh
	return q.notifier.Close()
}

// promote moves due delayed retries back onto their route's ready list.
func (q *MemQueue) promote() {
	defer close(q.doneCh)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.mu.Lock()
			now := time.Now()
			var promotedRoutes []string
			for id, due := range q.delayed {
				if now.Before(due) {
					continue
				}
				task := q.tasks[id]
				delete(q.delayed, id)
				if task == nil {
					continue
				}
				q.ready[task.Route] = append(q.ready[task.Route], id)
				promotedRoutes = append(promotedRoutes, task.Route)
			}
			q.mu.Unlock()
			for _, route := range promotedRoutes {
				q.notifier.Notify(context.Background(), route)
			}
		}
	}
}

var _ Queue = (*MemQueue)(nil)
var _ Queue = (*RedisQueue)(nil)
