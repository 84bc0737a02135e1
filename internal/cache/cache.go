// Package cache stores upstream responses under a request fingerprint.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pendingjustification/pjedge/internal/config"
	"github.com/pendingjustification/pjedge/internal/model"
)

// ErrInvalidEntry is returned by Put for nil entries or entries that expire
// before they were stored.
var ErrInvalidEntry = errors.New("invalid cache entry")

// Store is a TTL key/value store of cached responses. Get reports an expired
// entry as absent. Implementations are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (*model.CacheEntry, bool, error)
	Put(ctx context.Context, key string, entry *model.CacheEntry) error
	// PurgeExpired removes expired entries and returns how many were removed.
	PurgeExpired(ctx context.Context) (int, error)
	Close() error
}

type options struct {
	now func() time.Time
}

// Option configures a Store.
type Option func(*options)

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validate(entry *model.CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("%w: nil", ErrInvalidEntry)
	}
	if !entry.ExpiresAt.After(entry.StoredAt) {
		return fmt.Errorf("%w: expires_at %s not after stored_at %s",
			ErrInvalidEntry, entry.ExpiresAt.Format(time.RFC3339Nano), entry.StoredAt.Format(time.RFC3339Nano))
	}
	return nil
}

// NewStore builds the store selected by cfg.Type.
func NewStore(cfg config.CacheConfig, opts ...Option) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(opts...), nil
	case "redis":
		return NewRedisStore(cfg.Redis, opts...)
	case "bbolt":
		return NewBboltStore(cfg.Bbolt.Path, opts...)
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}
