package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/pendingjustification/pjedge/internal/config"
	"github.com/pendingjustification/pjedge/internal/model"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisStore keeps msgpack-encoded entries with a native Redis TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   options
}

func NewRedisStore(cfg config.RedisConfig, opts ...Option) (*RedisStore, error) {
	log.Info().
		Str("addr", cfg.Addr()).
		Int("db", cfg.DB).
		Msg("Connecting to Redis cache")

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, prefix: cfg.Prefix, opts: buildOptions(opts)}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*model.CacheEntry, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var entry model.CacheEntry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	if entry.Expired(s.opts.now()) {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, entry *model.CacheEntry) error {
	if err := validate(entry); err != nil {
		return err
	}
	ttl := entry.ExpiresAt.Sub(s.opts.now())
	if ttl <= 0 {
		return nil
	}

	stored := *entry
	stored.Key = key
	data, err := msgpack.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// PurgeExpired is a no-op: Redis expires keys itself.
func (s *RedisStore) PurgeExpired(ctx context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
