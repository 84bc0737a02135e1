package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pendingjustification/pjedge/internal/admin"
	"github.com/pendingjustification/pjedge/internal/cache"
	"github.com/pendingjustification/pjedge/internal/config"
	"github.com/pendingjustification/pjedge/internal/metrics"
	"github.com/pendingjustification/pjedge/internal/proxy"
	"github.com/pendingjustification/pjedge/internal/ratelimit"
	"github.com/pendingjustification/pjedge/internal/repository/memory"
	"github.com/pendingjustification/pjedge/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const key = "admin-key"

func newTestApp(t *testing.T, limiter ratelimit.Limiter) *fiber.App {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"topics":[]}`)
	}))
	t.Cleanup(upstream.Close)

	cfg := &config.Config{}
	cfg.Proxy = config.ProxyConfig{
		Target:     upstream.URL,
		Prefix:     "/proxy",
		Timeout:    2 * time.Second,
		DefaultTTL: time.Minute,
	}
	cfg.Cache.ReplayHeaders = []string{"Content-Type"}
	cfg.Admin.APIKey = key
	cfg.Metrics.Enabled = true

	logger := zerolog.New(io.Discard)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsCollector("test", "pjedge", reg)
	repo := memory.NewMemoryRepository()
	writer := service.NewLogWriter(repo, cfg.LogStore, m, logger)

	var opts []proxy.Option
	if limiter != nil {
		opts = append(opts, proxy.WithLimiter(limiter))
	}
	engine, err := proxy.NewEngine(cfg, cache.NewMemoryStore(), writer, m, logger, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	return NewApp(Deps{
		Config:  cfg,
		Engine:  engine,
		Admin:   admin.NewHandler(repo, logger),
		Limiter: limiter,
		Metrics: reg,
		Version: "1.2.3",
		Logger:  logger,
	})
}

func send(t *testing.T, app *fiber.App, method, target string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestHealthz(t *testing.T) {
	app := newTestApp(t, nil)
	resp, body := send(t, app, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || body != `{"status":"ok","version":"1.2.3"}` {
		t.Errorf("healthz = %d %s", resp.StatusCode, body)
	}
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	app := newTestApp(t, nil)
	resp, body := send(t, app, http.MethodGet, "/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if !strings.HasPrefix(body, `{"error":`) || !strings.HasSuffix(body, `"ok":false}`) {
		t.Errorf("body = %s", body)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	app := newTestApp(t, nil)
	app.Get("/boom", func(c *fiber.Ctx) error { panic("kaboom") })

	resp, body := send(t, app, http.MethodGet, "/boom", nil)
	if resp.StatusCode != http.StatusInternalServerError || body != `{"error":"internal error","ok":false}` {
		t.Errorf("panic response = %d %s", resp.StatusCode, body)
	}
}

func TestProxiedRequestIsVisibleToAdmin(t *testing.T) {
	app := newTestApp(t, nil)

	resp, _ := send(t, app, http.MethodGet, "/proxy/routes/jaas/topics", map[string]string{proxy.HeaderSource: "ui"})
	if resp.StatusCode != http.StatusOK || resp.Header.Get(proxy.HeaderCache) != "MISS" {
		t.Fatalf("proxy = %d %s", resp.StatusCode, resp.Header.Get(proxy.HeaderCache))
	}

	auth := map[string]string{"Authorization": "Bearer " + key}
	for i := 0; i < 2; i++ {
		resp, body := send(t, app, http.MethodGet, "/admin/api/logs", auth)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("admin logs = %d %s", resp.StatusCode, body)
		}
		var page struct {
			Total int64 `json:"total"`
			Rows  []struct {
				Source string `json:"source"`
				Cache  string `json:"cache"`
			} `json:"rows"`
		}
		if err := json.Unmarshal([]byte(body), &page); err != nil {
			t.Fatalf("decode: %v", err)
		}
		// admin reads are not logged, so the total stays at one
		if page.Total != 1 || page.Rows[0].Source != "ui" || page.Rows[0].Cache != "MISS" {
			t.Errorf("read %d: page = %+v", i, page)
		}
	}

	if resp, _ := send(t, app, http.MethodGet, "/admin/api/stats", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("stats without key = %d, want 401", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t, nil)
	send(t, app, http.MethodGet, "/proxy/routes/jaas", nil)

	resp, body := send(t, app, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "test_requests_total") {
		t.Errorf("requests counter missing from exposition:\n%s", body)
	}
}

func TestAdminIsRateLimited(t *testing.T) {
	rl := &config.RateLimitConfig{Enabled: true}
	rl.PerIP.Requests = 1
	rl.PerIP.Window = time.Minute
	store := ratelimit.NewMemoryStore(time.Minute)
	t.Cleanup(func() { store.Close() })
	app := newTestApp(t, ratelimit.NewService(rl, store))

	auth := map[string]string{"Authorization": "Bearer " + key}
	if resp, _ := send(t, app, http.MethodGet, "/admin/api/stats", auth); resp.StatusCode != http.StatusOK {
		t.Fatalf("first = %d", resp.StatusCode)
	}
	if resp, _ := send(t, app, http.MethodGet, "/admin/api/stats", auth); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second = %d, want 429", resp.StatusCode)
	}
}
