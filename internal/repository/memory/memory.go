// Package memory keeps the request log in process memory. Records are lost on
// restart; it backs tests and throwaway local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pendingjustification/pjedge/internal/model"
)

type MemoryRepository struct {
	mu     sync.RWMutex
	rows   []model.LogRecord
	nextID int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{nextID: 1}
}

func (r *MemoryRepository) Append(ctx context.Context, rec *model.LogRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendLocked(rec, time.Now()), nil
}

func (r *MemoryRepository) AppendBatch(ctx context.Context, recs []*model.LogRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, rec := range recs {
		r.appendLocked(rec, now)
	}
	return nil
}

func (r *MemoryRepository) appendLocked(rec *model.LogRecord, now time.Time) int64 {
	rec.Normalize(now)
	rec.ID = r.nextID
	r.nextID++
	r.rows = append(r.rows, *rec)
	return rec.ID
}

func (r *MemoryRepository) Query(ctx context.Context, filter model.LogFilter, limit, offset int) (*model.LogPage, error) {
	limit, offset = model.ClampPage(limit, offset)
	page := &model.LogPage{Rows: []model.LogRecord{}, Limit: limit, Offset: offset}

	r.mu.RLock()
	defer r.mu.RUnlock()

	// rows are in id order, so walking backwards yields newest first
	skipped := 0
	for i := len(r.rows) - 1; i >= 0; i-- {
		rec := &r.rows[i]
		if !filter.Match(rec) {
			continue
		}
		page.Total++
		if skipped < offset {
			skipped++
			continue
		}
		if len(page.Rows) < limit {
			page.Rows = append(page.Rows, *rec)
		}
	}
	return page, nil
}

func (r *MemoryRepository) Stats(ctx context.Context, now time.Time) (*model.StatsSnapshot, error) {
	hour := now.Add(-time.Hour)
	day := now.Add(-24 * time.Hour)

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &model.StatsSnapshot{Total: int64(len(r.rows)), BySource: []model.SourceCount{}}
	bySource := make(map[string]int64)
	for i := range r.rows {
		ts := r.rows[i].TS
		if !ts.Before(hour) {
			stats.LastHour++
		}
		if !ts.Before(day) {
			stats.LastDay++
			bySource[r.rows[i].Source]++
		}
	}

	for source, n := range bySource {
		stats.BySource = append(stats.BySource, model.SourceCount{Source: source, Count: n})
	}
	sort.Slice(stats.BySource, func(i, j int) bool {
		a, b := stats.BySource[i], stats.BySource[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Source < b.Source
	})
	return stats, nil
}

func (r *MemoryRepository) Migrate(ctx context.Context) error {
	return nil
}

func (r *MemoryRepository) Close() error {
	return nil
}
