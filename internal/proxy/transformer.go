package proxy

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/pendingjustification/pjedge/internal/model"
)

const (
	HeaderCache     = "x-pj-cache"
	HeaderSource    = "X-PJ-Source"
	HeaderRequestID = "X-Request-ID"
	HeaderForwarded = "X-Forwarded-For"

	maxSourceLen = 64
)

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HeaderTransformer filters headers on the way to and from the upstream.
type HeaderTransformer struct {
	replay []string
}

// NewTransformer creates a transformer that keeps replay headers in cache entries.
func NewTransformer(replay []string) *HeaderTransformer {
	canon := make([]string, 0, len(replay))
	for _, name := range replay {
		canon = append(canon, http.CanonicalHeaderKey(strings.TrimSpace(name)))
	}
	return &HeaderTransformer{replay: canon}
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// TransformRequest prepares the outgoing request. Hop-by-hop headers,
// Authorization and Accept-Encoding are removed and forwarding headers are
// added. The transport negotiates compression itself, so bodies reach the
// cache decoded.
func (t *HeaderTransformer) TransformRequest(req *http.Request, clientIP, requestID, source string) {
	removeHopHeaders(req.Header)
	req.Header.Del("Authorization")
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Content-Length")
	req.Header.Del("Host")

	if clientIP != "" {
		if prior := req.Header.Get(HeaderForwarded); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		req.Header.Set(HeaderForwarded, clientIP)
	}
	req.Header.Set(HeaderRequestID, requestID)
	req.Header.Set(HeaderSource, source)
}

// ResponseHeaders returns the upstream headers that are relayed to the client.
func (t *HeaderTransformer) ResponseHeaders(h http.Header) http.Header {
	out := h.Clone()
	removeHopHeaders(out)
	out.Del("Content-Length")
	// the server writes its own
	out.Del("Date")
	return out
}

// ReplaySubset returns the headers stored with a cache entry.
func (t *HeaderTransformer) ReplaySubset(h http.Header) map[string]string {
	out := make(map[string]string, len(t.replay))
	for _, name := range t.replay {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

// SourceTag normalizes the X-PJ-Source value used for attribution.
func SourceTag(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return model.UnknownSource
	}
	if len(s) > maxSourceLen {
		s = s[:maxSourceLen]
		for !utf8.ValidString(s) {
			s = s[:len(s)-1]
		}
	}
	return s
}

// noStore reports whether the upstream asked not to be cached.
func noStore(h http.Header) bool {
	for _, v := range h.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			d := strings.ToLower(strings.TrimSpace(directive))
			if d == "no-store" || d == "private" || strings.HasPrefix(d, "private=") {
				return true
			}
		}
	}
	return false
}
