package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pendingjustification/pjedge/internal/config"
	"golang.org/x/time/rate"
)

// ErrBodyTooLarge is returned when the upstream body exceeds max_body_bytes.
var ErrBodyTooLarge = errors.New("upstream body too large")

// Upstream forwards requests to the configured target.
type Upstream struct {
	client   *http.Client
	target   *url.URL
	prefix   string
	timeout  time.Duration
	maxBody  int64
	throttle *rate.Limiter
}

func NewUpstream(cfg *config.ProxyConfig) (*Upstream, error) {
	target, err := url.Parse(strings.TrimRight(cfg.Target, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse proxy target: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("proxy target %q must be an absolute URL", cfg.Target)
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
	}

	u := &Upstream{
		client: &http.Client{
			Transport: transport,
			// Redirects are relayed to the client, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		target:  target,
		prefix:  strings.TrimRight(cfg.Prefix, "/"),
		timeout: cfg.Timeout,
		maxBody: cfg.MaxBodyBytes,
	}
	if cfg.Throttle.Enabled {
		burst := cfg.Throttle.Burst
		if burst < 1 {
			burst = 1
		}
		u.throttle = rate.NewLimiter(rate.Limit(cfg.Throttle.RPS), burst)
	}
	return u, nil
}

// Acquire takes an upstream token. When none is available it returns false
// and how long until one would be.
func (u *Upstream) Acquire() (bool, time.Duration) {
	if u.throttle == nil {
		return true, 0
	}
	r := u.throttle.Reserve()
	if !r.OK() {
		return false, time.Second
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}

// URL maps an inbound path and raw query onto the target.
func (u *Upstream) URL(path, rawQuery string) string {
	p := strings.TrimPrefix(path, u.prefix)
	if p == "" || p[0] != '/' {
		p = "/" + p
	}
	out := u.target.String() + p
	if rawQuery != "" {
		out += "?" + rawQuery
	}
	return out
}

// Response is a fully read upstream response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Do sends req on a context detached from the client and reads the whole body.
func (u *Upstream) Do(req *http.Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
	defer cancel()

	resp, err := u.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if u.maxBody > 0 {
		reader = io.LimitReader(resp.Body, u.maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if u.maxBody > 0 && int64(len(body)) > u.maxBody {
		return nil, ErrBodyTooLarge
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// NewRequest builds the outgoing request without a context; Do attaches one.
func (u *Upstream) NewRequest(method, path, rawQuery string, body []byte) (*http.Request, error) {
	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	return http.NewRequest(method, u.URL(path, rawQuery), reader)
}

// IsTimeout reports whether err came from the upstream deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
