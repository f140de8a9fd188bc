package kvstore

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStore_SetAndGet(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	ctx := context.Background()

	if err := s.SetExpiring(ctx, "key1", []byte("value1"), time.Minute); err != nil {
		t.Fatalf("SetExpiring failed: %v", err)
	}

	val, err := s.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "value1" {
		t.Fatalf("expected 'value1', got '%s'", string(val))
	}
}

func TestInMemoryStore_GetMissing(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	_, err := s.Get(context.Background(), "nonexistent")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestInMemoryStore_Expiry(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	ctx := context.Background()

	if err := s.SetExpiring(ctx, "expiring", []byte("value"), 10*time.Millisecond); err != nil {
		t.Fatalf("SetExpiring failed: %v", err)
	}

	if _, err := s.Get(ctx, "expiring"); err != nil {
		t.Fatalf("Get failed immediately after set: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := s.Get(ctx, "expiring"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after expiry, got: %v", err)
	}
}

func TestInMemoryStore_Delete(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	ctx := context.Background()

	s.SetExpiring(ctx, "del-key", []byte("value"), time.Minute)

	existed, err := s.Delete(ctx, "del-key")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !existed {
		t.Fatal("expected Delete to report the key existed")
	}

	if _, err := s.Get(ctx, "del-key"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got: %v", err)
	}

	existed, err = s.Delete(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Delete non-existent should not fail: %v", err)
	}
	if existed {
		t.Fatal("expected Delete of missing key to report false")
	}
}

func TestInMemoryStore_SetIfAbsent(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	ctx := context.Background()

	acquired, err := s.SetIfAbsent(ctx, "lock:group:G1", []byte("holder-a"), time.Minute)
	if err != nil {
		t.Fatalf("SetIfAbsent failed: %v", err)
	}
	if !acquired {
		t.Fatal("expected first SetIfAbsent to acquire")
	}

	acquired, err = s.SetIfAbsent(ctx, "lock:group:G1", []byte("holder-b"), time.Minute)
	if err != nil {
		t.Fatalf("SetIfAbsent failed: %v", err)
	}
	if acquired {
		t.Fatal("expected second SetIfAbsent on held key to fail")
	}

	val, _ := s.Get(ctx, "lock:group:G1")
	if string(val) != "holder-a" {
		t.Fatalf("expected original holder to remain, got %q", val)
	}
}

func TestInMemoryStore_SetIfAbsent_AfterExpiry(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	ctx := context.Background()

	if _, err := s.SetIfAbsent(ctx, "lock:group:G2", []byte("holder-a"), 10*time.Millisecond); err != nil {
		t.Fatalf("SetIfAbsent failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	acquired, err := s.SetIfAbsent(ctx, "lock:group:G2", []byte("holder-b"), time.Minute)
	if err != nil {
		t.Fatalf("SetIfAbsent failed: %v", err)
	}
	if !acquired {
		t.Fatal("expected SetIfAbsent to acquire once the prior holder's lock expired")
	}
}

func TestInMemoryStore_Scan(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	ctx := context.Background()
	s.SetExpiring(ctx, "lock:group:G1", []byte("a"), time.Minute)
	s.SetExpiring(ctx, "lock:group:G2", []byte("b"), time.Minute)
	s.SetExpiring(ctx, "idempotency:abc", []byte("c"), time.Minute)

	keys, err := s.Scan(ctx, "lock:group:")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 matching keys, got %d: %v", len(keys), keys)
	}
}

func TestInMemoryStore_ValueIsolation(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	ctx := context.Background()

	original := []byte("original")
	s.SetExpiring(ctx, "iso", original, time.Minute)

	original[0] = 'X'

	val, _ := s.Get(ctx, "iso")
	if string(val) != "original" {
		t.Fatal("store should keep a copy, not a reference to the original slice")
	}

	val[0] = 'Z'
	val2, _ := s.Get(ctx, "iso")
	if string(val2) != "original" {
		t.Fatal("store should return a copy, not a reference to its internal slice")
	}
}

func TestInMemoryStore_Ping(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}
