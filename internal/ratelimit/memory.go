package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count int64
	start time.Time
	ttl   time.Duration
}

func (e memoryEntry) expired(now time.Time) bool {
	return now.Sub(e.start) >= e.ttl
}

// MemoryStore is the process-local counter store.
type MemoryStore struct {
	entries *shardedMap[memoryEntry]
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	closed   bool
	mu       sync.RWMutex
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock replaces time.Now.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates a store and starts a janitor that drops expired
// windows every cleanupInterval (disabled when <= 0).
func NewMemoryStore(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: newShardedMap[memoryEntry](),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Window{}, ErrStoreClosed
	}

	now := s.now()
	var out Window
	s.entries.update(key, func(e memoryEntry, ok bool) (memoryEntry, bool) {
		if !ok || e.expired(now) {
			e = memoryEntry{start: now, ttl: window}
		}
		e.count++
		out = Window{Count: e.count, TTL: e.start.Add(e.ttl).Sub(now)}
		return e, true
	})
	return out, nil
}

// Decrement implements Store.
func (s *MemoryStore) Decrement(_ context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	now := s.now()
	s.entries.update(key, func(e memoryEntry, ok bool) (memoryEntry, bool) {
		if !ok || e.expired(now) {
			return e, false
		}
		if e.count > 0 {
			e.count--
		}
		return e, true
	})
	return nil
}

// Len returns the number of tracked windows.
func (s *MemoryStore) Len() int {
	return s.entries.len()
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) cleanup() int {
	now := s.now()
	return s.entries.deleteFunc(func(_ string, e memoryEntry) bool {
		return e.expired(now)
	})
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
	return nil
}
