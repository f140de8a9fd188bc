package kvstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a mutex-guarded map implementation of Store. It backs
// unit tests and single-process deployments where a standalone Redis is
// not available.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	closed  bool
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *memEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// NewInMemoryStore creates a new in-memory store with periodic eviction.
func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{
		entries: make(map[string]*memEntry),
	}
	go s.evictLoop()
	return s
}

func (s *InMemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || entry.expired() {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(entry.value))
	copy(cp, entry.value)
	return cp, nil
}

func (s *InMemoryStore) SetExpiring(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.entries[key] = newMemEntry(value, ttl)
	return nil
}

func (s *InMemoryStore) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, nil
	}
	if entry, ok := s.entries[key]; ok && !entry.expired() {
		return false, nil
	}
	s.entries[key] = newMemEntry(value, ttl)
	return true, nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	existed := ok && !entry.expired()
	delete(s.entries, key)
	return existed, nil
}

func (s *InMemoryStore) Scan(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, entry := range s.entries {
		if entry.expired() {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *InMemoryStore) Ping(_ context.Context) error { return nil }

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}

func (s *InMemoryStore) evictLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		for key, entry := range s.entries {
			if entry.expired() {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}

func newMemEntry(value []byte, ttl time.Duration) *memEntry {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return &memEntry{value: cp, expiresAt: expiresAt}
}
