package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store interface using in-memory storage
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string]*window
	clean *time.Ticker
	done  chan struct{}
	once  sync.Once
	now   func() time.Time
}

type window struct {
	count     int
	resetTime time.Time
}

// NewMemoryStore creates a new memory-based store that drops ended windows
// every cleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	store := &MemoryStore{
		data:  make(map[string]*window),
		clean: time.NewTicker(cleanupInterval),
		done:  make(chan struct{}),
		now:   time.Now,
	}

	go store.cleanup()
	return store
}

func (s *MemoryStore) cleanup() {
	for {
		select {
		case <-s.done:
			return
		case <-s.clean.C:
			s.mu.Lock()
			now := s.now()
			for key, w := range s.data {
				if !now.Before(w.resetTime) {
					delete(s.data, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *MemoryStore) Increment(ctx context.Context, key string, win time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, exists := s.data[key]
	if !exists || !now.Before(w.resetTime) {
		w = &window{resetTime: now.Add(win)}
		s.data[key] = w
	}
	w.count++
	return w.count, w.resetTime, nil
}

func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Close() error {
	s.once.Do(func() {
		s.clean.Stop()
		close(s.done)
	})
	return nil
}
