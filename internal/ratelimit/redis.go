package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pendingjustification/pjedge/internal/config"
	"github.com/rs/zerolog/log"
)

// RedisStore implements Store interface using Redis, so every instance
// behind the edge shares the same counters.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-based store
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("db", cfg.DB).
		Dur("timeout", cfg.Timeout).
		Msg("Attempting to connect to Redis")

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Msg("Failed to connect to Redis")
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Msg("Successfully connected to Redis")
	return &RedisStore{client: client, prefix: cfg.Prefix}, nil
}

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	key = s.prefix + key

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().
			Err(err).
			Str("key", key).
			Msg("Failed to increment rate limit counter in Redis")
		return 0, time.Time{}, err
	}

	// A key without expiry was just created by INCR and opens a new window.
	ttl := ttlCmd.Val()
	if ttl < 0 {
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return 0, time.Time{}, err
		}
		ttl = window
	}

	count := int(incr.Val())
	log.Debug().
		Str("key", key).
		Int("count", count).
		Dur("ttl", ttl).
		Msg("Incremented rate limit counter")

	return count, time.Now().Add(ttl), nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		log.Error().
			Err(err).
			Str("key", key).
			Msg("Failed to reset rate limit counter in Redis")
		return err
	}
	return nil
}

func (s *RedisStore) Close() error {
	log.Info().Msg("Closing Redis connection")
	return s.client.Close()
}
