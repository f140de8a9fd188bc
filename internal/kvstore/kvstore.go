// Package kvstore defines an abstract networked key-value interface used
// throughout the enrollment core: the circuit breaker registry's optional
// persisted view, the idempotency store, and the group reservation
// primitive all sit on top of it. Implementations may use an in-memory
// map (tests, single-process deployments) or Redis (production).
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kvstore: key not found")

// Store abstracts a key-value store with TTL support, an atomic
// set-if-absent primitive (the basis of group reservation locks), and
// prefix scanning (used to list breaker/saga snapshots). All operations
// are safe for concurrent use and are expected to be network-fallible;
// implementations distinguish transient I/O errors from ErrNotFound.
type Store interface {
	// Get retrieves the value associated with key.
	// Returns ErrNotFound if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetExpiring stores a value with the given TTL. A zero TTL means the
	// entry does not expire.
	SetExpiring(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent atomically stores value under key only if key does not
	// already hold a value, and reports whether the write happened.
	// Concurrent callers must observe this as atomic.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (acquired bool, err error)

	// Delete removes a key. It is not an error to delete a missing key.
	// Returns whether the key existed prior to the call.
	Delete(ctx context.Context, key string) (existed bool, err error)

	// Scan returns all keys currently holding the given prefix. Intended
	// for small, bounded key spaces (breaker/saga/reservation listings),
	// not as a general-purpose cursor API.
	Scan(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies connectivity to the underlying backend.
	Ping(ctx context.Context) error

	// Close releases all resources held by the implementation.
	Close() error
}
