package ratelimit

import (
	"context"
	"time"
)

// Result represents the result of a rate limit check
type Result struct {
	Limited      bool              // Whether the request is rate limited
	Limit        int               // Requests allowed per window
	Remaining    int               // Remaining requests in the current window
	ResetTime    time.Time         // When the current window resets
	RetryAfter   time.Duration     // How long to wait before retrying
	LimitHeaders map[string]string // Rate limit headers to include in response
}

// Store keeps fixed-window counters.
type Store interface {
	// Increment adds one hit to key and returns the new count and the time
	// the window ends. A new window starts when the previous one has ended.
	Increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error)

	// Reset resets the counter for a key
	Reset(ctx context.Context, key string) error

	// Close closes the store connection
	Close() error
}

// Limiter decides whether a client may make another request.
type Limiter interface {
	Allow(ctx context.Context, ip string) (*Result, error)
	Close() error
}

// Headers for rate limiting
const (
	HeaderRateLimit     = "X-RateLimit-Limit"
	HeaderRateRemaining = "X-RateLimit-Remaining"
	HeaderRateReset     = "X-RateLimit-Reset"
	HeaderRetryAfter    = "Retry-After"
)
