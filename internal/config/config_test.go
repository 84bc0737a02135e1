package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("addr = %s", cfg.Server.Addr())
	}
	if cfg.Proxy.Prefix != "/proxy" || cfg.Proxy.DefaultTTL != time.Minute {
		t.Errorf("proxy = %+v", cfg.Proxy)
	}
	want := map[string]time.Duration{
		"/proxy/routes/jaas":        time.Minute,
		"/proxy/routes/jaas/topics": 24 * time.Hour,
		"/proxy/routes/jaas/tones":  24 * time.Hour,
	}
	if len(cfg.Proxy.Routes) != len(want) {
		t.Fatalf("routes = %+v", cfg.Proxy.Routes)
	}
	for _, r := range cfg.Proxy.Routes {
		if want[r.Prefix] != r.TTL {
			t.Errorf("route %s ttl = %v, want %v", r.Prefix, r.TTL, want[r.Prefix])
		}
	}
	if len(cfg.Cache.ExcludeParams) != 0 {
		t.Errorf("exclude_params = %v, want none", cfg.Cache.ExcludeParams)
	}
	if len(cfg.Cache.BusterParams) != 1 || cfg.Cache.BusterParams[0] != "_r" {
		t.Errorf("buster_params = %v", cfg.Cache.BusterParams)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.PerIP.Requests != 60 || cfg.RateLimit.PerIP.Window != time.Minute {
		t.Errorf("rate_limit = %+v", cfg.RateLimit)
	}
	if cfg.LogStore.Type != "sqlite" || cfg.Cache.Type != "memory" {
		t.Errorf("store types = %s / %s", cfg.LogStore.Type, cfg.Cache.Type)
	}
	if cfg.Admin.APIKey != "" {
		t.Error("admin key must default to empty")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
proxy:
  target: https://origin.example
  routes:
    - name: feed
      prefix: /proxy/feed
      ttl: 5m
cache:
  type: bbolt
  bbolt:
    path: /var/lib/pjedge/cache.db
log_store:
  type: postgres
  pool:
    batch_size: 50
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Proxy.Target != "https://origin.example" {
		t.Errorf("server/proxy = %d %s", cfg.Server.Port, cfg.Proxy.Target)
	}
	if len(cfg.Proxy.Routes) != 1 || cfg.Proxy.Routes[0].TTL != 5*time.Minute {
		t.Errorf("routes = %+v", cfg.Proxy.Routes)
	}
	if cfg.Cache.Type != "bbolt" || cfg.Cache.Bbolt.Path != "/var/lib/pjedge/cache.db" {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.LogStore.Type != "postgres" || cfg.LogStore.Pool.BatchSize != 50 || cfg.LogStore.Pool.MaxConns != 10 {
		t.Errorf("log_store = %+v", cfg.LogStore)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("PJEDGE_SERVER_PORT", "9191")
	t.Setenv("PJEDGE_CACHE_TYPE", "redis")
	t.Setenv("ADMIN_API_KEY", "from-env")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Cache.Type != "redis" {
		t.Errorf("cache type = %s, want redis", cfg.Cache.Type)
	}
	if cfg.Admin.APIKey != "from-env" {
		t.Errorf("api key = %q", cfg.Admin.APIKey)
	}
}

func TestLoadConfigRejectsBrokenFile(t *testing.T) {
	path := writeConfig(t, "server: [port: nope\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("malformed YAML should fail")
	}
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "config", "config.yaml"))
	if err != nil {
		t.Fatalf("sample config: %v", err)
	}
	if len(cfg.Proxy.Routes) != 3 {
		t.Errorf("sample routes = %+v", cfg.Proxy.Routes)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"port":              func(c *Config) { c.Server.Port = 70000 },
		"empty target":      func(c *Config) { c.Proxy.Target = " " },
		"prefix":            func(c *Config) { c.Proxy.Prefix = "proxy" },
		"timeout":           func(c *Config) { c.Proxy.Timeout = 0 },
		"negative ttl":      func(c *Config) { c.Proxy.Routes[0].TTL = -time.Second },
		"route prefix":      func(c *Config) { c.Proxy.Routes[0].Prefix = "jaas" },
		"throttle rps":      func(c *Config) { c.Proxy.Throttle = ThrottleConfig{Enabled: true} },
		"cache type":        func(c *Config) { c.Cache.Type = "memcached" },
		"log store type":    func(c *Config) { c.LogStore.Type = "csv" },
		"async workers":     func(c *Config) { c.LogStore.Async = true; c.LogStore.Workers = 0 },
		"rate limit store":  func(c *Config) { c.RateLimit.Storage.Type = "etcd" },
		"rate limit window": func(c *Config) { c.RateLimit.PerIP.Window = 0 },
	}

	base, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := *base
			cfg.Proxy.Routes = append([]RouteConfig(nil), base.Proxy.Routes...)
			mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}

	cfg := *base
	cfg.RateLimit.Enabled = false
	cfg.RateLimit.Storage.Type = "ignored"
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled rate limiter storage should not be validated: %v", err)
	}
}
