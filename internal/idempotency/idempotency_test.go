package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/oriys/nova/internal/kvstore"
)

func TestKey_OrderInsensitiveToGroupList(t *testing.T) {
	k1 := Key("enroll_by_groups", "RA0001", map[string]any{
		"period": "1-2025",
		"groups": []string{"G2", "G1"},
	})
	k2 := Key("enroll_by_groups", "RA0001", map[string]any{
		"period": "1-2025",
		"groups": []string{"G1", "G2"},
	})
	if k1 != k2 {
		t.Fatalf("expected identical fingerprints regardless of group order, got %q vs %q", k1, k2)
	}
}

func TestKey_DifferentPayloadsDiffer(t *testing.T) {
	k1 := Key("enroll_by_groups", "RA0001", map[string]any{"groups": []string{"G1"}})
	k2 := Key("enroll_by_groups", "RA0001", map[string]any{"groups": []string{"G2"}})
	if k1 == k2 {
		t.Fatal("expected different payloads to produce different fingerprints")
	}
}

func TestKey_Format(t *testing.T) {
	k := Key("enroll_by_groups", "RA0001", map[string]any{"groups": []string{"G1"}})
	const prefix = "enroll_by_groups:RA0001:"
	if len(k) != len(prefix)+16 || k[:len(prefix)] != prefix {
		t.Fatalf("expected format %q<hash16>, got %q", prefix, k)
	}
}

func TestGetOrRun_CacheMissExecutesAndCaches(t *testing.T) {
	kv := kvstore.NewInMemoryStore()
	defer kv.Close()
	store := New(kv)

	calls := 0
	producer := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"status":"succeeded"}`), nil
	}

	result, cached, err := store.GetOrRun(context.Background(), "enroll:RA0001:abc", time.Minute, producer)
	if err != nil {
		t.Fatalf("GetOrRun failed: %v", err)
	}
	if cached {
		t.Fatal("expected first call to be a cache miss")
	}
	if string(result) != `{"status":"succeeded"}` {
		t.Fatalf("unexpected result: %s", result)
	}
	if calls != 1 {
		t.Fatalf("expected producer called once, got %d", calls)
	}
}

func TestGetOrRun_CacheHitSkipsProducer(t *testing.T) {
	kv := kvstore.NewInMemoryStore()
	defer kv.Close()
	store := New(kv)

	calls := 0
	producer := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"status":"succeeded"}`), nil
	}

	store.GetOrRun(context.Background(), "enroll:RA0001:abc", time.Minute, producer)
	result, cached, err := store.GetOrRun(context.Background(), "enroll:RA0001:abc", time.Minute, producer)
	if err != nil {
		t.Fatalf("GetOrRun failed: %v", err)
	}
	if !cached {
		t.Fatal("expected second call to be a cache hit")
	}
	if string(result) != `{"status":"succeeded"}` {
		t.Fatalf("unexpected cached result: %s", result)
	}
	if calls != 1 {
		t.Fatalf("expected producer not called again, got %d calls", calls)
	}
}

func TestGetOrRun_ProducerErrorNotCached(t *testing.T) {
	kv := kvstore.NewInMemoryStore()
	defer kv.Close()
	store := New(kv)

	wantErr := context.DeadlineExceeded
	_, _, err := store.GetOrRun(context.Background(), "enroll:RA0001:err", time.Minute, func(context.Context) (json.RawMessage, error) {
		return nil, wantErr
	})
	if err != wantErr {
		t.Fatalf("expected producer error to propagate, got %v", err)
	}

	// A subsequent call should execute again since nothing was cached.
	calls := 0
	store.GetOrRun(context.Background(), "enroll:RA0001:err", time.Minute, func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{}`), nil
	})
	if calls != 1 {
		t.Fatalf("expected producer to run after a failed attempt, got %d calls", calls)
	}
}

func TestInvalidate(t *testing.T) {
	kv := kvstore.NewInMemoryStore()
	defer kv.Close()
	store := New(kv)

	store.GetOrRun(context.Background(), "enroll:RA0001:abc", time.Minute, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	existed, err := store.Invalidate(context.Background(), "enroll:RA0001:abc")
	if err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if !existed {
		t.Fatal("expected Invalidate to report the key existed")
	}

	calls := 0
	store.GetOrRun(context.Background(), "enroll:RA0001:abc", time.Minute, func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{}`), nil
	})
	if calls != 1 {
		t.Fatalf("expected producer to run again after invalidation, got %d calls", calls)
	}
}
