package chunkkey

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps keys in process memory with lazy TTL eviction.
// Suitable for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	key       Key
	expiresAt time.Time
}

// NewMemoryStore creates a MemoryStore. ttl <= 0 disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
	}
}

// Save persists a key.
func (s *MemoryStore) Save(_ context.Context, k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()

	var exp time.Time
	if s.ttl > 0 {
		exp = time.Now().Add(s.ttl)
	}
	s.entries[k.Key] = memoryEntry{key: k, expiresAt: exp}
	return nil
}

// Lookup returns the key record, or ErrInvalidKey.
func (s *MemoryStore) Lookup(_ context.Context, key string) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()

	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrInvalidKey
	}
	k := entry.key
	return &k, nil
}

// Delete removes a key and reports whether it existed.
func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()

	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

func (s *MemoryStore) evictExpiredLocked() {
	if s.ttl <= 0 {
		return
	}
	now := time.Now()
	for k, e := range s.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}
