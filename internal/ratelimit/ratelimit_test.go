package ratelimit

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pendingjustification/pjedge/internal/config"
)

func testConfig(requests int, window time.Duration) *config.RateLimitConfig {
	cfg := &config.RateLimitConfig{Enabled: true}
	cfg.PerIP.Requests = requests
	cfg.PerIP.Window = window
	return cfg
}

func TestServiceLimitsAfterBudget(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()
	svc := NewService(testConfig(3, time.Minute), store)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := svc.Allow(ctx, "10.0.0.1")
		if err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
		if res.Limited {
			t.Fatalf("request %d limited, budget is 3", i)
		}
		if res.Remaining != 3-i {
			t.Errorf("request %d: Remaining = %d, want %d", i, res.Remaining, 3-i)
		}
	}

	res, err := svc.Allow(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !res.Limited {
		t.Fatal("fourth request should be limited")
	}
	if res.LimitHeaders[HeaderRetryAfter] == "" || res.LimitHeaders[HeaderRateRemaining] != "0" {
		t.Errorf("headers = %v", res.LimitHeaders)
	}
	if res.LimitHeaders[HeaderRateLimit] != "3" {
		t.Errorf("%s = %q, want 3", HeaderRateLimit, res.LimitHeaders[HeaderRateLimit])
	}

	other, _ := svc.Allow(ctx, "10.0.0.2")
	if other.Limited {
		t.Error("a different client must have its own budget")
	}
}

func TestServiceWindowResets(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(time.Minute)
	defer store.Close()
	store.now = func() time.Time { return now }
	svc := NewService(testConfig(1, time.Minute), store)
	svc.now = store.now
	ctx := context.Background()

	if res, _ := svc.Allow(ctx, "1.1.1.1"); res.Limited {
		t.Fatal("first request limited")
	}
	res, _ := svc.Allow(ctx, "1.1.1.1")
	if !res.Limited {
		t.Fatal("second request in window should be limited")
	}
	if res.LimitHeaders[HeaderRetryAfter] != "60" {
		t.Errorf("Retry-After = %q, want 60", res.LimitHeaders[HeaderRetryAfter])
	}

	now = now.Add(time.Minute)
	if res, _ := svc.Allow(ctx, "1.1.1.1"); res.Limited {
		t.Error("request in a new window should be allowed")
	}
}

func TestServiceWhitelist(t *testing.T) {
	cfg := testConfig(1, time.Minute)
	cfg.PerIP.WhiteList = []string{"192.168.0.0/16", "10.9.9.9", "not-a-cidr/x"}
	store := NewMemoryStore(time.Minute)
	defer store.Close()
	svc := NewService(cfg, store)
	ctx := context.Background()

	for _, ip := range []string{"192.168.4.20", "10.9.9.9"} {
		for i := 0; i < 5; i++ {
			res, err := svc.Allow(ctx, ip)
			if err != nil || res.Limited {
				t.Fatalf("whitelisted %s limited (err=%v)", ip, err)
			}
		}
	}
}

func TestServiceDisabled(t *testing.T) {
	cfg := testConfig(1, time.Minute)
	cfg.Enabled = false
	svc := NewService(cfg, failingStore{})
	res, err := svc.Allow(context.Background(), "1.2.3.4")
	if err != nil || res.Limited {
		t.Errorf("disabled limiter = %+v, %v", res, err)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := map[time.Duration]string{
		0:                       "1",
		-time.Second:            "1",
		200 * time.Millisecond:  "1",
		time.Second:             "1",
		1500 * time.Millisecond: "2",
		59 * time.Second:        "59",
	}
	for d, want := range cases {
		if got := RetryAfterSeconds(d); got != want {
			t.Errorf("RetryAfterSeconds(%v) = %q, want %q", d, got, want)
		}
	}
}

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration) (int, time.Time, error) {
	return 0, time.Time{}, errors.New("store down")
}
func (failingStore) Reset(context.Context, string) error { return nil }
func (failingStore) Close() error                        { return nil }

func TestMiddleware(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()
	app := fiber.New()
	app.Use(Middleware(NewService(testConfig(2, time.Minute), store)))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		codes = append(codes, resp.StatusCode)
		if i == 2 {
			if resp.Header.Get(HeaderRetryAfter) == "" {
				t.Error("429 response missing Retry-After")
			}
			if resp.Header.Get(HeaderRateLimit) != "2" {
				t.Errorf("%s = %q", HeaderRateLimit, resp.Header.Get(HeaderRateLimit))
			}
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != fiber.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [200 200 429]", codes)
	}
}

func TestMiddlewareFailsOpen(t *testing.T) {
	app := fiber.New()
	app.Use(Middleware(NewService(testConfig(1, time.Minute), failingStore{})))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		if resp.StatusCode != 200 {
			t.Fatalf("status = %d, want 200 when the store fails", resp.StatusCode)
		}
	}
}

// Set PJEDGE_TEST_REDIS_ADDR (host:port) to run against a live Redis.
func TestRedisStoreIncrement(t *testing.T) {
	addr := os.Getenv("PJEDGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PJEDGE_TEST_REDIS_ADDR not set")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("bad addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	store, err := NewRedisStore(config.RedisConfig{
		Host: host, Port: port, Timeout: 2 * time.Second,
		Prefix: "pjedge:test:ratelimit:" + strconv.FormatInt(time.Now().UnixNano(), 10) + ":",
	})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	defer store.Reset(ctx, "k")

	for want := 1; want <= 3; want++ {
		count, reset, err := store.Increment(ctx, "k", time.Minute)
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
		if count != want {
			t.Errorf("count = %d, want %d", count, want)
		}
		if time.Until(reset) > time.Minute || time.Until(reset) <= 0 {
			t.Errorf("reset %v not within the window", reset)
		}
	}
}
