package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const defaultMemoryKVCap = 1024

type memoryEntry struct {
	data      []byte
	counter   int64
	isCounter bool
	expiresAt time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryKV is a bounded, mutex-guarded in-process KV. It exists as the
// degraded fallback for the circuit breaker and rate limiter when Redis
// is unreachable; it is also convenient in tests. When the map reaches
// capacity, expired entries are purged first and then the oldest-expiry
// entry is evicted.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	cap     int
	now     func() time.Time
}

// NewMemoryKV creates a MemoryKV with the given capacity (0 uses the
// default of 1024 entries).
func NewMemoryKV(capacity int) *MemoryKV {
	if capacity <= 0 {
		capacity = defaultMemoryKVCap
	}
	return &MemoryKV{
		entries: make(map[string]*memoryEntry),
		cap:     capacity,
		now:     time.Now,
	}
}

// GetJSON reads a JSON value.
func (s *MemoryKV) GetJSON(_ context.Context, key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(s.now()) {
		delete(s.entries, key)
		return ErrNotFound
	}
	if e.isCounter {
		return ErrInvalidInput
	}
	return json.Unmarshal(e.data, v)
}

// SetJSON writes a JSON value with a TTL.
func (s *MemoryKV) SetJSON(_ context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictIfFull(key)
	e := &memoryEntry{data: data}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

// Incr atomically increments a counter, attaching the TTL on creation.
func (s *MemoryKV) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		s.evictIfFull(key)
		e = &memoryEntry{isCounter: true}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		s.entries[key] = e
	}
	e.counter++
	return e.counter, nil
}

// Delete removes a key.
func (s *MemoryKV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// evictIfFull must be called with the lock held. key is the key about
// to be inserted; an existing key never triggers eviction.
func (s *MemoryKV) evictIfFull(key string) {
	if _, exists := s.entries[key]; exists || len(s.entries) < s.cap {
		return
	}

	now := s.now()
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
	if len(s.entries) < s.cap {
		return
	}

	// Still full: evict the entry closest to (or without) expiry last
	// resort, oldest expiry first.
	var victim string
	var victimExp time.Time
	first := true
	for k, e := range s.entries {
		if first || (!e.expiresAt.IsZero() && (victimExp.IsZero() || e.expiresAt.Before(victimExp))) {
			victim, victimExp, first = k, e.expiresAt, false
		}
	}
	delete(s.entries, victim)
}
