package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pendingjustification/pjedge/internal/config"
)

// Service implements the Limiter interface with a fixed window per client IP.
type Service struct {
	config    *config.RateLimitConfig
	store     Store
	whitelist []*net.IPNet
	ips       map[string]bool
	now       func() time.Time
}

// NewService creates a new rate limiter service
func NewService(cfg *config.RateLimitConfig, store Store) *Service {
	s := &Service{
		config: cfg,
		store:  store,
		ips:    make(map[string]bool),
		now:    time.Now,
	}
	for _, entry := range cfg.PerIP.WhiteList {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			if _, ipNet, err := net.ParseCIDR(entry); err == nil {
				s.whitelist = append(s.whitelist, ipNet)
			}
			continue
		}
		s.ips[entry] = true
	}
	return s
}

// NewStore builds the counter store selected by cfg.Storage.Type.
func NewStore(cfg *config.RateLimitConfig) (Store, error) {
	switch cfg.Storage.Type {
	case "", "memory":
		return NewMemoryStore(cfg.PerIP.Window), nil
	case "redis":
		return NewRedisStore(cfg.Storage.Redis)
	default:
		return nil, fmt.Errorf("unsupported rate limit storage: %s", cfg.Storage.Type)
	}
}

// Allow counts one request from ip. Whitelisted and disabled checks never
// touch the store.
func (s *Service) Allow(ctx context.Context, ip string) (*Result, error) {
	if !s.config.Enabled || s.isWhitelisted(ip) {
		return &Result{Limited: false}, nil
	}

	limit := s.config.PerIP.Requests
	count, resetTime, err := s.store.Increment(ctx, "ip:"+ip, s.config.PerIP.Window)
	if err != nil {
		return nil, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	result := &Result{
		Limit:     limit,
		Remaining: remaining,
		ResetTime: resetTime,
		LimitHeaders: map[string]string{
			HeaderRateLimit:     strconv.Itoa(limit),
			HeaderRateRemaining: strconv.Itoa(remaining),
			HeaderRateReset:     strconv.FormatInt(resetTime.Unix(), 10),
		},
	}

	if count > limit {
		result.Limited = true
		result.RetryAfter = resetTime.Sub(s.now())
		result.LimitHeaders[HeaderRetryAfter] = RetryAfterSeconds(result.RetryAfter)
	}
	return result, nil
}

// Close implements the Limiter interface
func (s *Service) Close() error {
	return s.store.Close()
}

func (s *Service) isWhitelisted(ip string) bool {
	if s.ips[ip] {
		return true
	}
	if len(s.whitelist) == 0 {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, ipNet := range s.whitelist {
		if ipNet.Contains(parsed) {
			return true
		}
	}
	return false
}

// RetryAfterSeconds renders d as a Retry-After value: whole seconds rounded
// up, never less than 1.
func RetryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
