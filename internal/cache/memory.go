package cache

import (
	"context"
	"sync"

	"github.com/pendingjustification/pjedge/internal/model"
)

type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*model.CacheEntry
	opts    options
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*model.CacheEntry),
		opts:    buildOptions(opts),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*model.CacheEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || entry.Expired(s.opts.now()) {
		return nil, false, nil
	}
	return entry.Clone(), true, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, entry *model.CacheEntry) error {
	if err := validate(entry); err != nil {
		return err
	}
	stored := entry.Clone()
	stored.Key = key

	s.mu.Lock()
	s.entries[key] = stored
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context) (int, error) {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, key)
			purged++
		}
	}
	return purged, nil
}

// Len counts stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error {
	return nil
}
