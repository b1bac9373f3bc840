package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count int64
	start time.Time
	ttl   time.Duration
}

// MemoryStore keeps fixed windows in process memory.
// Suitable for single-instance deployments. For several replicas, use RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(5*time.Minute, time.Now)
}

// NewMemoryStoreWithCleanup creates a store with a custom cleanup interval and
// clock. A non-positive interval disables background cleanup.
func NewMemoryStoreWithCleanup(cleanupInterval time.Duration, now func() time.Time) *MemoryStore {
	s := &MemoryStore{
		windows:         make(map[string]*window),
		now:             now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= w.ttl {
		w = &window{start: now, ttl: ttl}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.start.Add(w.ttl).Sub(now), nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	if s.cleanupInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup drops expired windows so idle identities do not leak memory.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, w := range s.windows {
		if now.Sub(w.start) >= w.ttl {
			delete(s.windows, k)
		}
	}
}

// size returns the number of live windows.
func (s *MemoryStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
