package model

import (
	"strings"
	"time"
)

const (
	CacheHit    = "HIT"
	CacheMiss   = "MISS"
	CacheBypass = "-"

	UnknownSource = "unknown"
)

// LogRecord is one row of the request log. ID and TS are assigned by the store.
type LogRecord struct {
	ID        int64     `json:"id" bson:"_id" db:"id"`
	TS        time.Time `json:"ts" bson:"ts" db:"ts"`
	RequestID string    `json:"request_id" bson:"request_id" db:"request_id"`
	IP        string    `json:"ip" bson:"ip" db:"client_ip"`
	Source    string    `json:"source" bson:"source" db:"source"`
	Method    string    `json:"method" bson:"method" db:"method"`
	Path      string    `json:"path" bson:"path" db:"path"`
	Status    int       `json:"status" bson:"status" db:"status_code"`
	LatencyMS float64   `json:"latency_ms" bson:"latency_ms" db:"latency_ms"`
	Cache     string    `json:"cache" bson:"cache" db:"cache_status"`
	UserAgent string    `json:"user_agent" bson:"user_agent" db:"user_agent"`
}

// Normalize fills the defaults every store applies before insert.
func (r *LogRecord) Normalize(now time.Time) {
	if r.TS.IsZero() {
		r.TS = now
	}
	r.TS = r.TS.UTC()
	if strings.TrimSpace(r.Source) == "" {
		r.Source = UnknownSource
	}
	if r.Cache == "" {
		r.Cache = CacheBypass
	}
}

// LogFilter narrows a log query. Zero values match everything; set fields are ANDed.
type LogFilter struct {
	Source string
	Path   string // substring
	IP     string
	Status *int
}

// Match reports whether rec satisfies every set condition of f.
func (f LogFilter) Match(rec *LogRecord) bool {
	if f.Source != "" && rec.Source != f.Source {
		return false
	}
	if f.Path != "" && !strings.Contains(rec.Path, f.Path) {
		return false
	}
	if f.IP != "" && rec.IP != f.IP {
		return false
	}
	if f.Status != nil && rec.Status != *f.Status {
		return false
	}
	return true
}

type LogPage struct {
	Rows   []LogRecord `json:"rows"`
	Total  int64       `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

type SourceCount struct {
	Source string `json:"source" bson:"_id"`
	Count  int64  `json:"v" bson:"count"`
}

// StatsSnapshot is computed on demand from the request log.
type StatsSnapshot struct {
	Total    int64         `json:"total"`
	LastHour int64         `json:"lastHour"`
	LastDay  int64         `json:"lastDay"`
	BySource []SourceCount `json:"bySource"`
}

// Query bounds applied by every log store and by the admin API.
const (
	DefaultLimit = 100
	MaxLimit     = 500
	MaxOffset    = 20000
)

// ClampPage forces limit into [1, MaxLimit] and offset into [0, MaxOffset].
func ClampPage(limit, offset int) (int, int) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset > MaxOffset {
		offset = MaxOffset
	}
	return limit, offset
}
