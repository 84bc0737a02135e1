package model

import "time"

// CacheEntry is a stored upstream response. Entries are replaced, never mutated.
type CacheEntry struct {
	Key       string            `msgpack:"key"`
	Body      []byte            `msgpack:"body"`
	Status    int               `msgpack:"status"`
	Headers   map[string]string `msgpack:"headers"`
	StoredAt  time.Time         `msgpack:"stored_at"`
	ExpiresAt time.Time         `msgpack:"expires_at"`
}

// Expired reports whether the entry must be treated as absent at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Clone returns a deep copy so callers never share the stored body or headers.
func (e *CacheEntry) Clone() *CacheEntry {
	out := *e
	out.Body = append([]byte(nil), e.Body...)
	if e.Headers != nil {
		out.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}
