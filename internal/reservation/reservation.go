// Package reservation implements the group-reservation concurrency
// primitive: a short-TTL distributed advisory lock per group code. It is
// a performance optimization only — it prevents a thundering herd of
// workers from doing wasted validation/store work against a group that's
// already being contended for. The correctness boundary for capacity is
// the store's row-locked IncrementGroupCounter, not this lock.
package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/nova/internal/kvstore"
)

// DefaultTTL is the lock lifetime used when the caller does not specify
// one; it bounds the worst-case hold time if the holder process crashes
// mid-saga.
const DefaultTTL = 5 * time.Minute

func lockKey(code string) string {
	return "lock:group:" + code
}

// ConflictError reports that a group code was already reserved by
// another holder.
type ConflictError struct {
	GroupCode string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("reservation: group %s is already reserved", e.GroupCode)
}

// Service acquires and releases group reservations over a KVStore.
type Service struct {
	kv kvstore.Store
}

// New creates a reservation service backed by kv.
func New(kv kvstore.Store) *Service {
	return &Service{kv: kv}
}

// Handle represents a set of group-code locks held by one caller.
type Handle struct {
	svc   *Service
	codes []string
}

// Reserve attempts to acquire a lock for every code in codes, in order.
// On the first conflict, all previously-acquired locks are released (in
// reverse order) and a *ConflictError naming the contended code is
// returned. Handles are not re-entrant: reserving a code already held by
// this same handle is not special-cased.
func (s *Service) Reserve(ctx context.Context, holderID string, codes []string, ttl time.Duration) (*Handle, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	acquired := make([]string, 0, len(codes))
	for _, code := range codes {
		ok, err := s.kv.SetIfAbsent(ctx, lockKey(code), []byte(holderID), ttl)
		if err != nil {
			s.release(ctx, acquired)
			return nil, fmt.Errorf("reservation: acquiring lock for group %s: %w", code, err)
		}
		if !ok {
			s.release(ctx, acquired)
			return nil, &ConflictError{GroupCode: code}
		}
		acquired = append(acquired, code)
	}

	return &Handle{svc: s, codes: acquired}, nil
}

// Release deletes every lock held by h. It is idempotent.
func (h *Handle) Release(ctx context.Context) error {
	return h.svc.release(ctx, h.codes)
}

func (s *Service) release(ctx context.Context, codes []string) error {
	var firstErr error
	for i := len(codes) - 1; i >= 0; i-- {
		if _, err := s.kv.Delete(ctx, lockKey(codes[i])); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
