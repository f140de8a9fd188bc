// Package idempotency deduplicates logically identical enrollment
// requests. A fingerprint is computed from an operation tag, a principal
// id, and a canonicalized payload; the first caller's result is cached
// and returned verbatim to any caller presenting the same fingerprint
// within the cache TTL.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/oriys/nova/internal/kvstore"
	"github.com/oriys/nova/internal/logging"
)

const keyPrefix = "idempotency:"

// DefaultTTL is the cache TTL used when the caller does not override it.
const DefaultTTL = 2 * time.Hour

// Key computes the deterministic fingerprint for (operation, principalID,
// payload): a SHA-256 hash over the canonicalized, sorted-key JSON
// encoding of payload, truncated to 16 hex characters, formatted as
// "operation:principalID:hash16". []string values, and []any values whose
// elements are all strings, are sorted so that {G1,G2} and {G2,G1} hash
// identically; other slices keep their order.
func Key(operation, principalID string, payload map[string]any) string {
	normalized := normalize(payload)
	raw, _ := json.Marshal(normalized) // maps marshal with sorted keys since Go 1.12
	sum := sha256.Sum256(raw)
	hash16 := hex.EncodeToString(sum[:])[:16]
	return fmt.Sprintf("%s:%s:%s", operation, principalID, hash16)
}

// normalize recursively sorts any []string or []any-of-strings values so
// that equivalent payloads with differently ordered collections hash to
// the same fingerprint.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = normalize(vv)
		}
		return out
	case []string:
		cp := append([]string(nil), val...)
		sort.Strings(cp)
		return cp
	case []any:
		strs := make([]string, 0, len(val))
		allStrings := true
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				allStrings = false
				break
			}
			strs = append(strs, s)
		}
		if allStrings {
			sort.Strings(strs)
			out := make([]any, len(strs))
			for i, s := range strs {
				out[i] = s
			}
			return out
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return val
	}
}

// Result is the cached envelope stored and returned by GetOrRun.
type Result struct {
	Payload   json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store caches operation results keyed by idempotency fingerprint.
type Store struct {
	kv kvstore.Store
}

// New creates an idempotency store backed by kv.
func New(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

// GetOrRun returns the cached result for key if present; otherwise it
// runs producer, best-effort caches the result under ttl, and returns it
// with cached=false. A cache-write failure is logged but does not fail
// the operation. GetOrRun does not provide mutual exclusion across
// concurrent callers presenting the same key — duplicate concurrent
// producers are tolerated because the enrollment workflow is itself
// idempotent via group reservation and the store's uniqueness checks.
func (s *Store) GetOrRun(ctx context.Context, key string, ttl time.Duration, producer func(context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cacheKey := keyPrefix + key

	if raw, err := s.kv.Get(ctx, cacheKey); err == nil {
		var cached Result
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			return cached.Payload, true, nil
		}
		logging.Op().Warn("idempotency: discarding unparseable cache entry", "key", key)
	} else if err != kvstore.ErrNotFound {
		logging.Op().Warn("idempotency: cache lookup failed, proceeding to execute", "key", key, "error", err)
	}

	result, err := producer(ctx)
	if err != nil {
		return nil, false, err
	}

	envelope := Result{Payload: result, CreatedAt: time.Now()}
	if raw, marshalErr := json.Marshal(envelope); marshalErr == nil {
		if cacheErr := s.kv.SetExpiring(ctx, cacheKey, raw, ttl); cacheErr != nil {
			logging.Op().Warn("idempotency: failed to cache result", "key", key, "error", cacheErr)
		}
	}

	return result, false, nil
}

// Invalidate removes the cached result for key, if any.
func (s *Store) Invalidate(ctx context.Context, key string) (bool, error) {
	return s.kv.Delete(ctx, keyPrefix+key)
}
