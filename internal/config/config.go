package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Cache     CacheConfig     `mapstructure:"cache"`
	LogStore  LogStoreConfig  `mapstructure:"log_store"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ProxyHeader     string        `mapstructure:"proxy_header"` // e.g. CF-Connecting-IP when behind an edge
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ProxyConfig struct {
	Target                string         `mapstructure:"target"`
	Prefix                string         `mapstructure:"prefix"`
	Timeout               time.Duration  `mapstructure:"timeout"`
	MaxIdleConns          int            `mapstructure:"max_idle_conns"`
	IdleConnTimeout       time.Duration  `mapstructure:"idle_conn_timeout"`
	TLSTimeout            time.Duration  `mapstructure:"tls_timeout"`
	ResponseHeaderTimeout time.Duration  `mapstructure:"response_header_timeout"`
	MaxConnsPerHost       int            `mapstructure:"max_conns_per_host"`
	MaxBodyBytes          int64          `mapstructure:"max_body_bytes"`
	DefaultTTL            time.Duration  `mapstructure:"default_ttl"`
	Routes                []RouteConfig  `mapstructure:"routes"`
	Throttle              ThrottleConfig `mapstructure:"throttle"`
}

// RouteConfig assigns a cache TTL to every path under Prefix. A zero TTL disables caching.
type RouteConfig struct {
	Name   string        `mapstructure:"name"`
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// ThrottleConfig caps the rate of upstream calls made by this instance.
type ThrottleConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

type CacheConfig struct {
	Type           string        `mapstructure:"type"`           // memory, redis, bbolt
	ExcludeParams  []string      `mapstructure:"exclude_params"` // dropped from the key
	BusterParams   []string      `mapstructure:"buster_params"`  // presence forces a MISS
	ReplayHeaders  []string      `mapstructure:"replay_headers"`
	RespectNoStore bool          `mapstructure:"respect_no_store"`
	PurgeInterval  time.Duration `mapstructure:"purge_interval"`
	Redis          RedisConfig   `mapstructure:"redis"`
	Bbolt          struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"bbolt"`
}

type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Prefix   string        `mapstructure:"prefix"`
}

// Addr is the host:port pair go-redis dials.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type LogStoreConfig struct {
	Type     string `mapstructure:"type"` // sqlite, postgres, oracle, mongodb, couchbase, memory
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Path     string `mapstructure:"path"` // sqlite file
	URI      string `mapstructure:"uri"`  // mongodb connection string
	Pool     struct {
		MaxConns  int `mapstructure:"max_conns"`
		MinConns  int `mapstructure:"min_conns"`
		BatchSize int `mapstructure:"batch_size"`
	} `mapstructure:"pool"`

	Async         bool          `mapstructure:"async"`
	Workers       int           `mapstructure:"workers"`
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console
	File   struct {
		Path       string `mapstructure:"path"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
		MaxAgeDays int    `mapstructure:"max_age_days"`
	} `mapstructure:"file"`
}

type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`

	PerIP struct {
		Requests  int           `mapstructure:"requests"`
		Window    time.Duration `mapstructure:"window"`
		WhiteList []string      `mapstructure:"whitelist"` // IPs or CIDRs
	} `mapstructure:"per_ip"`

	Storage struct {
		Type  string      `mapstructure:"type"` // memory, redis
		Redis RedisConfig `mapstructure:"redis"`
	} `mapstructure:"storage"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.proxy_header", "")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("proxy.target", "http://localhost:8787")
	v.SetDefault("proxy.prefix", "/proxy")
	v.SetDefault("proxy.timeout", "10s")
	v.SetDefault("proxy.max_idle_conns", 100)
	v.SetDefault("proxy.idle_conn_timeout", "90s")
	v.SetDefault("proxy.tls_timeout", "5s")
	v.SetDefault("proxy.response_header_timeout", "10s")
	v.SetDefault("proxy.max_conns_per_host", 64)
	v.SetDefault("proxy.max_body_bytes", 1<<20)
	v.SetDefault("proxy.default_ttl", "60s")
	v.SetDefault("proxy.routes", []map[string]interface{}{
		{"name": "jaas", "prefix": "/proxy/routes/jaas", "ttl": "60s"},
		{"name": "jaas_topics", "prefix": "/proxy/routes/jaas/topics", "ttl": "24h"},
		{"name": "jaas_tones", "prefix": "/proxy/routes/jaas/tones", "ttl": "24h"},
	})
	v.SetDefault("proxy.throttle.enabled", false)
	v.SetDefault("proxy.throttle.rps", 50.0)
	v.SetDefault("proxy.throttle.burst", 100)

	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.exclude_params", []string{})
	v.SetDefault("cache.buster_params", []string{"_r"})
	v.SetDefault("cache.replay_headers", []string{"Content-Type", "Cache-Control", "Cf-Cache-Status", "Etag", "Vary"})
	v.SetDefault("cache.respect_no_store", true)
	v.SetDefault("cache.purge_interval", "1m")
	v.SetDefault("cache.redis.host", "localhost")
	v.SetDefault("cache.redis.port", 6379)
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.timeout", "2s")
	v.SetDefault("cache.redis.prefix", "pjedge:cache:")
	v.SetDefault("cache.bbolt.path", "data/cache.db")

	v.SetDefault("log_store.type", "sqlite")
	v.SetDefault("log_store.host", "localhost")
	v.SetDefault("log_store.port", 0)
	v.SetDefault("log_store.user", "")
	v.SetDefault("log_store.password", "")
	v.SetDefault("log_store.database", "pjedge")
	v.SetDefault("log_store.path", "data/requests.db")
	v.SetDefault("log_store.uri", "")
	v.SetDefault("log_store.pool.max_conns", 10)
	v.SetDefault("log_store.pool.min_conns", 1)
	v.SetDefault("log_store.pool.batch_size", 100)
	v.SetDefault("log_store.async", false)
	v.SetDefault("log_store.workers", 2)
	v.SetDefault("log_store.buffer_size", 1000)
	v.SetDefault("log_store.flush_interval", "100ms")
	v.SetDefault("log_store.write_timeout", "5s")

	v.SetDefault("admin.api_key", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 14)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.per_ip.requests", 60)
	v.SetDefault("rate_limit.per_ip.window", "60s")
	v.SetDefault("rate_limit.per_ip.whitelist", []string{})
	v.SetDefault("rate_limit.storage.type", "memory")
	v.SetDefault("rate_limit.storage.redis.host", "localhost")
	v.SetDefault("rate_limit.storage.redis.port", 6379)
	v.SetDefault("rate_limit.storage.redis.password", "")
	v.SetDefault("rate_limit.storage.redis.db", 0)
	v.SetDefault("rate_limit.storage.redis.timeout", "2s")
	v.SetDefault("rate_limit.storage.redis.prefix", "pjedge:ratelimit:")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "pjedge")
}

// LoadConfig reads configPath (optional; a missing file means defaults only),
// then applies PJEDGE_* environment overrides. ADMIN_API_KEY is also honoured.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PJEDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("admin.api_key", "PJEDGE_ADMIN_API_KEY", "ADMIN_API_KEY"); err != nil {
		return nil, err
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", configPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", configPath, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the settings the server cannot run without.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.Proxy.Target) == "" {
		errs = append(errs, "proxy.target is required")
	}
	if !strings.HasPrefix(c.Proxy.Prefix, "/") {
		errs = append(errs, "proxy.prefix must start with /")
	}
	if c.Proxy.Timeout <= 0 {
		errs = append(errs, "proxy.timeout must be positive")
	}
	if c.Proxy.DefaultTTL < 0 {
		errs = append(errs, "proxy.default_ttl must not be negative")
	}
	for _, r := range c.Proxy.Routes {
		if r.TTL < 0 {
			errs = append(errs, fmt.Sprintf("proxy.routes[%s].ttl must not be negative", r.Prefix))
		}
		if !strings.HasPrefix(r.Prefix, "/") {
			errs = append(errs, fmt.Sprintf("proxy.routes[%s].prefix must start with /", r.Name))
		}
	}
	if c.Proxy.Throttle.Enabled && c.Proxy.Throttle.RPS <= 0 {
		errs = append(errs, "proxy.throttle.rps must be positive when throttling is enabled")
	}

	switch c.Cache.Type {
	case "memory", "redis", "bbolt":
	default:
		errs = append(errs, fmt.Sprintf("cache.type %q is not supported", c.Cache.Type))
	}

	switch c.LogStore.Type {
	case "sqlite", "postgres", "oracle", "mongodb", "couchbase", "memory":
	default:
		errs = append(errs, fmt.Sprintf("log_store.type %q is not supported", c.LogStore.Type))
	}
	if c.LogStore.Async && (c.LogStore.Workers <= 0 || c.LogStore.BufferSize <= 0) {
		errs = append(errs, "log_store.workers and log_store.buffer_size must be positive in async mode")
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Storage.Type {
		case "memory", "redis":
		default:
			errs = append(errs, fmt.Sprintf("rate_limit.storage.type %q is not supported", c.RateLimit.Storage.Type))
		}
		if c.RateLimit.PerIP.Requests <= 0 || c.RateLimit.PerIP.Window <= 0 {
			errs = append(errs, "rate_limit.per_ip requests and window must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}
