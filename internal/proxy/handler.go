package proxy

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
	"github.com/pendingjustification/pjedge/internal/cache"
	"github.com/pendingjustification/pjedge/internal/config"
	"github.com/pendingjustification/pjedge/internal/metrics"
	"github.com/pendingjustification/pjedge/internal/model"
	"github.com/pendingjustification/pjedge/internal/ratelimit"
	"github.com/rs/zerolog"
)

// RecordWriter receives one log record per proxied request.
type RecordWriter interface {
	Write(rec *model.LogRecord)
}

// Engine serves the proxy routes: rate limiting, cache lookup, the upstream
// call and the request log.
type Engine struct {
	config         *config.ProxyConfig
	excludeParams  []string
	busterParams   []string
	respectNoStore bool

	cache    cache.Store
	logs     RecordWriter
	limiter  ratelimit.Limiter
	upstream *Upstream
	routes   *Router
	headers  *HeaderTransformer

	metrics *metrics.MetricsCollector
	logger  zerolog.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for cache entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLimiter enables per-client rate limiting.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

func NewEngine(cfg *config.Config, store cache.Store, logs RecordWriter, m *metrics.MetricsCollector, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	upstream, err := NewUpstream(&cfg.Proxy)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:         &cfg.Proxy,
		excludeParams:  cfg.Cache.ExcludeParams,
		busterParams:   cfg.Cache.BusterParams,
		respectNoStore: cfg.Cache.RespectNoStore,
		cache:          store,
		logs:           logs,
		upstream:       upstream,
		routes:         NewRouter(cfg.Proxy.Routes, cfg.Proxy.DefaultTTL),
		headers:        NewTransformer(cfg.Cache.ReplayHeaders),
		metrics:        m,
		logger:         logger,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Handle proxies one request. It always writes the response itself and
// returns nil, so the status in the log is the status the client saw.
func (e *Engine) Handle(c *fiber.Ctx) error {
	start := time.Now()
	e.metrics.IncActiveRequests()
	defer e.metrics.DecActiveRequests()

	// fiber reuses request buffers once the handler returns; the record may
	// outlive it in the async writer.
	requestID := uuid.New().String()
	method := utils.CopyString(c.Method())
	path := utils.CopyString(c.Path())
	ip := utils.CopyString(c.IP())
	source := SourceTag(utils.CopyString(c.Get(HeaderSource)))
	userAgent := utils.CopyString(c.Get(fiber.HeaderUserAgent))
	route := e.routes.Match(path)
	cacheStatus := model.CacheBypass

	c.Set(HeaderRequestID, requestID)

	defer func() {
		status := c.Response().StatusCode()
		// A panic is answered with 500 by the recover middleware further up.
		r := recover()
		if r != nil {
			status = fiber.StatusInternalServerError
		}
		latency := time.Since(start)
		e.logs.Write(&model.LogRecord{
			RequestID: requestID,
			IP:        ip,
			Source:    source,
			Method:    method,
			Path:      path,
			Status:    status,
			LatencyMS: float64(latency.Microseconds()) / 1000,
			Cache:     cacheStatus,
			UserAgent: userAgent,
		})
		e.metrics.ObserveRequest(route.Name, method, status, cacheStatus, latency)

		e.logger.Info().
			Str("request_id", requestID).
			Str("method", method).
			Str("path", path).
			Str("route", route.Name).
			Str("source", source).
			Int("status_code", status).
			Str("cache", cacheStatus).
			Dur("duration", latency).
			Msg("Response completed")

		if r != nil {
			panic(r)
		}
	}()

	if e.limiter != nil {
		res, err := e.limiter.Allow(c.UserContext(), ip)
		if err != nil {
			e.logger.Warn().Err(err).Str("ip", ip).Msg("Rate limit check failed, allowing request")
			e.metrics.LogError("rate_limit", err)
		} else {
			for header, value := range res.LimitHeaders {
				c.Set(header, value)
			}
			if res.Limited {
				return e.fail(c, fiber.StatusTooManyRequests, "rate limit exceeded")
			}
		}
	}

	rawQuery := string(c.Request().URI().QueryString())
	cacheable := (method == fiber.MethodGet || method == fiber.MethodHead) && route.TTL > 0

	var key string
	if cacheable {
		query, err := url.ParseQuery(rawQuery)
		switch {
		case err != nil:
			// ParseQuery drops bad pairs, so the key would collide with
			// requests the upstream treats differently.
			cacheable = false
			e.logger.Debug().Err(err).Str("request_id", requestID).Msg("Unparsable query, bypassing cache")
		case e.isBuster(query):
			cacheable = false
			cacheStatus = model.CacheMiss
			e.metrics.ObserveCache(model.CacheMiss)
			c.Set(HeaderCache, model.CacheMiss)
		default:
			key = cache.BuildKey(method, path, query, e.excludeParams)
		}
	}
	if cacheable {
		cacheStatus = model.CacheMiss
		entry, ok, err := e.cache.Get(c.UserContext(), key)
		if err != nil {
			e.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed, treating as miss")
			e.metrics.LogError("cache_read", err)
		}
		if ok {
			cacheStatus = model.CacheHit
			e.metrics.ObserveCache(model.CacheHit)
			for name, value := range entry.Headers {
				c.Set(name, value)
			}
			c.Set(HeaderCache, model.CacheHit)
			c.Status(entry.Status)
			_ = c.Send(entry.Body)
			return nil
		}
		e.metrics.ObserveCache(model.CacheMiss)
		c.Set(HeaderCache, model.CacheMiss)
	}

	if ok, wait := e.upstream.Acquire(); !ok {
		c.Set(ratelimit.HeaderRetryAfter, ratelimit.RetryAfterSeconds(wait))
		e.metrics.LogError("upstream_throttled", errors.New("upstream throttled"))
		return e.fail(c, fiber.StatusServiceUnavailable, "upstream busy")
	}

	req, err := e.upstream.NewRequest(method, path, rawQuery, c.Body())
	if err != nil {
		e.logger.Error().Err(err).Str("request_id", requestID).Msg("Failed to create upstream request")
		return e.fail(c, fiber.StatusBadGateway, "upstream unavailable")
	}
	c.Request().Header.VisitAll(func(k, v []byte) {
		req.Header.Add(string(k), string(v))
	})
	e.headers.TransformRequest(req, ip, requestID, source)

	upstreamStart := time.Now()
	resp, err := e.upstream.Do(req)
	if err != nil {
		e.metrics.ObserveUpstream(route.Name, 0, time.Since(upstreamStart))
		e.metrics.LogError("upstream", err)
		status := fiber.StatusBadGateway
		if IsTimeout(err) {
			status = fiber.StatusGatewayTimeout
		}
		e.logger.Warn().
			Err(err).
			Str("request_id", requestID).
			Str("url", req.URL.String()).
			Int("status_code", status).
			Msg("Upstream request failed")
		return e.fail(c, status, "upstream unavailable")
	}
	e.metrics.ObserveUpstream(route.Name, resp.Status, time.Since(upstreamStart))

	for name, values := range e.headers.ResponseHeaders(resp.Header) {
		for _, v := range values {
			c.Response().Header.Add(name, v)
		}
	}

	if cacheable && resp.Status >= 200 && resp.Status < 300 {
		e.store(key, route.TTL, resp)
	}

	c.Status(resp.Status)
	_ = c.Send(resp.Body)
	return nil
}

// isBuster reports whether the query carries a parameter whose only purpose
// is to force a fresh upstream fetch.
func (e *Engine) isBuster(query url.Values) bool {
	for _, name := range e.busterParams {
		if _, ok := query[name]; ok {
			return true
		}
	}
	return false
}

func (e *Engine) store(key string, ttl time.Duration, resp *Response) {
	if e.respectNoStore && noStore(resp.Header) {
		return
	}
	now := e.now()
	entry := &model.CacheEntry{
		Key:       key,
		Body:      resp.Body,
		Status:    resp.Status,
		Headers:   e.headers.ReplaySubset(resp.Header),
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.config.Timeout)
	defer cancel()
	if err := e.cache.Put(ctx, key, entry); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("Cache write failed")
		e.metrics.LogError("cache_write", err)
	}
}

func (e *Engine) fail(c *fiber.Ctx, status int, msg string) error {
	c.Status(status)
	_ = c.JSON(fiber.Map{"ok": false, "error": msg})
	return nil
}
