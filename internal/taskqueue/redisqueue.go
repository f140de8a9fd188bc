package taskqueue

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oriys/nova/internal/logging"
)

const keyPrefix = "enrollment:taskqueue:"

func readyKey(route string) string      { return keyPrefix + "ready:" + route }
func processingKey(route string) string { return keyPrefix + "processing:" + route }
func delayedKey(route string) string    { return keyPrefix + "delayed:" + route }
func dlqKey(route string) string        { return keyPrefix + "dlq:" + route }
func taskKey(id string) string          { return keyPrefix + "task:" + id }
func revokedKey() string                { return keyPrefix + "revoked" }

// RedisQueue is the production Queue backend: Redis lists hold ready and
// in-flight ("processing") task ids per route (RPOPLPUSH gives late-ack:
// a consumer crash leaves the id sitting in the processing list instead
// of vanishing), a sorted set holds delayed retries scored by their due
// time, and a per-task string key holds the JSON-encoded Task.
//
// A background promoter goroutine periodically moves due delayed
// retries back onto their route's ready list. Ids left in a processing
// list by a crashed consumer are not moved back to ready by anything in
// this type.
type RedisQueue struct {
	client *redis.Client

	routes []string // known routes, scanned by the promoter

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRedisQueue creates a queue over client. routes lists every route
// the promoter should sweep; the Dispatcher/WorkerPool's fixed route set
// (enrollments, enrollments_bulk, enrollments_single_group, health) is
// the normal value.
func NewRedisQueue(client *redis.Client, routes []string) *RedisQueue {
	q := &RedisQueue{
		client: client,
		routes: routes,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go q.promote()
	return q
}

func (q *RedisQueue) Enqueue(ctx context.Context, route, handlerName string, payload any, opts *EnqueueOptions) (string, error) {
	o := opts.withDefaults()

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("taskqueue: marshal payload: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	env := Envelope{
		TaskID:        id,
		HandlerName:   handlerName,
		Args:          body,
		Route:         route,
		EnqueuedAt:    now,
		MaxRetries:    o.MaxRetries,
		SoftDeadlineS: int(o.SoftDeadline.Seconds()),
		HardDeadlineS: int(o.HardDeadline.Seconds()),
	}
	if len(body) > compressionThreshold {
		o.Compression = "gzip"
	}

	task := Task{
		ID:           id,
		Route:        route,
		HandlerName:  handlerName,
		Payload:      body,
		Priority:     o.Priority,
		MaxRetries:   o.MaxRetries,
		SoftDeadline: o.SoftDeadline,
		HardDeadline: o.HardDeadline,
		Status:       StatusQueued,
		CreatedAt:    now,
	}

	if err := q.saveTask(ctx, &task, o.ResultTTL); err != nil {
		return "", err
	}
	_ = env // envelope is the documented wire shape; task carries the same data for internal use

	if err := q.client.LPush(ctx, readyKey(route), id).Err(); err != nil {
		return "", fmt.Errorf("taskqueue: enqueue onto %s: %w", route, err)
	}
	return id, nil
}

func (q *RedisQueue) Consume(ctx context.Context, route string) (*Delivery, error) {
	id, err := q.client.BRPopLPush(ctx, readyKey(route), processingKey(route), time.Second).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNoTask
		}
		if ctx.Err() != nil {
			return nil, ErrNoTask
		}
		return nil, fmt.Errorf("taskqueue: consume from %s: %w", route, err)
	}

	task, err := q.loadTask(ctx, id)
	if err != nil {
		// The task hash expired or was never written; drop the dangling
		// processing entry so it doesn't sit there forever.
		q.client.LRem(ctx, processingKey(route), 1, id)
		return nil, ErrNoTask
	}

	task.Status = StatusRunning
	task.StartedAt = time.Now().UTC()
	if err := q.saveTask(ctx, task, 0); err != nil {
		logging.Op().Warn("taskqueue: failed to persist running status", "task", id, "error", err)
	}
	return &Delivery{Task: *task}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, taskID string, result json.RawMessage) error {
	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	q.client.LRem(ctx, processingKey(task.Route), 1, taskID)

	task.Status = StatusSucceeded
	task.Result = result
	task.CompletedAt = time.Now().UTC()
	return q.saveTask(ctx, task, DefaultResultTTL)
}

func (q *RedisQueue) Fail(ctx context.Context, taskID string, category, message string, retryable bool) error {
	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	q.client.LRem(ctx, processingKey(task.Route), 1, taskID)

	if retryable && task.Retries < task.MaxRetries {
		task.Retries++
		task.Status = StatusQueued
		task.Error = message
		task.ErrorCategory = category
		if err := q.saveTask(ctx, task, 0); err != nil {
			return err
		}

		delay := BackoffDelay(task.Retries-1, DefaultBackoffBase, DefaultBackoffFactor, DefaultBackoffMax, jitter(time.Second))
		score := float64(time.Now().Add(delay).UnixNano())
		return q.client.ZAdd(ctx, delayedKey(task.Route), redis.Z{Score: score, Member: taskID}).Err()
	}

	task.Status = StatusFailed
	task.Error = message
	task.ErrorCategory = category
	task.CompletedAt = time.Now().UTC()
	if err := q.saveTask(ctx, task, DefaultResultTTL); err != nil {
		return err
	}
	return q.client.LPush(ctx, dlqKey(task.Route), taskID).Err()
}

func (q *RedisQueue) Cancel(ctx context.Context, taskID string) error {
	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return ErrAlreadyTerminal
	}

	if task.Status == StatusQueued {
		removed, _ := q.client.LRem(ctx, readyKey(task.Route), 1, taskID).Result()
		if removed == 0 {
			// Already claimed by a consumer between our load and this
			// LRem; fall through to the cooperative-flag path below.
		} else {
			task.Status = StatusRevoked
			task.CompletedAt = time.Now().UTC()
			return q.saveTask(ctx, task, DefaultResultTTL)
		}
	}

	// Already running: set the cooperative revocation flag; the
	// worker/handler checks IsRevoked at its next safe point.
	return q.client.SAdd(ctx, revokedKey(), taskID).Err()
}

func (q *RedisQueue) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	return q.client.SIsMember(ctx, revokedKey(), taskID).Result()
}

func (q *RedisQueue) Result(ctx context.Context, taskID string) (*Task, error) {
	return q.loadTask(ctx, taskID)
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	for _, route := range q.routes {
		pending, err := q.client.LLen(ctx, readyKey(route)).Result()
		if err == nil {
			st.Pending += int(pending)
		}
		active, err := q.client.LLen(ctx, processingKey(route)).Result()
		if err == nil {
			st.Active += int(active)
		}
		failed, err := q.client.LLen(ctx, dlqKey(route)).Result()
		if err == nil {
			st.Failed += int(failed)
		}
	}
	return st, nil
}

func (q *RedisQueue) Close() error {
	close(q.stopCh)
	<-q.doneCh
	return nil
}

func (q *RedisQueue) saveTask(ctx context.Context, task *Task, ttl time.Duration) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("taskqueue: marshal task: %w", err)
	}
	if len(raw) > compressionThreshold {
		raw, err = gzipBytes(raw)
		if err != nil {
			return fmt.Errorf("taskqueue: compress task: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour // keep queued/running tasks alive well beyond result TTL
	}
	return q.client.Set(ctx, taskKey(task.ID), raw, ttl).Err()
}

func (q *RedisQueue) loadTask(ctx context.Context, id string) (*Task, error) {
	raw, err := q.client.Get(ctx, taskKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if isGzip(raw) {
		raw, err = gunzipBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("taskqueue: decompress task: %w", err)
		}
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("taskqueue: unmarshal task: %w", err)
	}
	return &task, nil
}

// promote periodically moves due delayed retries back to their route's
// ready list. It does not touch the processing lists.
func (q *RedisQueue) promote() {
	defer close(q.doneCh)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			ctx := context.Background()
			for _, route := range q.routes {
				q.promoteRoute(ctx, route)
			}
		}
	}
}

func (q *RedisQueue) promoteRoute(ctx context.Context, route string) {
	now := float64(time.Now().UnixNano())
	due, err := q.client.ZRangeByScore(ctx, delayedKey(route), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%.0f", now), Count: 100,
	}).Result()
	if err != nil || len(due) == 0 {
		return
	}
	for _, id := range due {
		if q.client.ZRem(ctx, delayedKey(route), id).Val() == 0 {
			continue // another process already promoted it
		}
		q.client.LPush(ctx, readyKey(route), id)
	}
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}
