package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pendingjustification/pjedge/internal/model"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const bucketCache = "cache"

// BboltStore persists entries in a single bbolt file so the cache survives restarts.
type BboltStore struct {
	db   *bolt.DB
	opts options
}

// NewBboltStore opens (or creates) the cache database at path.
func NewBboltStore(path string, opts ...Option) (*BboltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bbolt cache path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketCache))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucketCache, err)
	}
	return &BboltStore{db: db, opts: buildOptions(opts)}, nil
}

func (s *BboltStore) Get(ctx context.Context, key string) (*model.CacheEntry, bool, error) {
	var entry *model.CacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketCache)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var e model.CacheEntry
		if err := msgpack.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("unmarshal cache entry for %s: %w", key, err)
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if entry == nil || entry.Expired(s.opts.now()) {
		return nil, false, nil
	}
	return entry, true, nil
}

func (s *BboltStore) Put(ctx context.Context, key string, entry *model.CacheEntry) error {
	if err := validate(entry); err != nil {
		return err
	}
	stored := *entry
	stored.Key = key
	data, err := msgpack.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCache)).Put([]byte(key), data)
	})
}

func (s *BboltStore) PurgeExpired(ctx context.Context) (int, error) {
	now := s.opts.now()
	var purged int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCache))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var entry model.CacheEntry
			if err := msgpack.Unmarshal(v, &entry); err != nil || entry.Expired(now) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}
