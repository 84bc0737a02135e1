// Package repotest is a conformance suite every LogRepository backend runs.
package repotest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pendingjustification/pjedge/internal/model"
	"github.com/pendingjustification/pjedge/internal/repository"
)

// Factory returns an empty, migrated repository. It should register cleanup on t.
type Factory func(t *testing.T) repository.LogRepository

// Run executes every conformance test against repositories built by newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Run("AppendAssignsIncreasingIDs", func(t *testing.T) { testAppendIDs(t, newRepo(t)) })
	t.Run("AppendFillsDefaults", func(t *testing.T) { testAppendDefaults(t, newRepo(t)) })
	t.Run("AppendBatch", func(t *testing.T) { testAppendBatch(t, newRepo(t)) })
	t.Run("ConcurrentAppend", func(t *testing.T) { testConcurrentAppend(t, newRepo(t)) })
	t.Run("QueryNewestFirst", func(t *testing.T) { testQueryOrder(t, newRepo(t)) })
	t.Run("QueryFilterIntersection", func(t *testing.T) { testFilterIntersection(t, newRepo(t)) })
	t.Run("QueryPathIsLiteral", func(t *testing.T) { testPathLiteral(t, newRepo(t)) })
	t.Run("QueryPagination", func(t *testing.T) { testPagination(t, newRepo(t)) })
	t.Run("QueryClampsBounds", func(t *testing.T) { testClamp(t, newRepo(t)) })
	t.Run("StatsWindows", func(t *testing.T) { testStatsWindows(t, newRepo(t)) })
	t.Run("StatsBySource", func(t *testing.T) { testStatsBySource(t, newRepo(t)) })
}

func record(source, path, ip string, status int) *model.LogRecord {
	return &model.LogRecord{
		RequestID: fmt.Sprintf("req-%s-%d", source, status),
		IP:        ip,
		Source:    source,
		Method:    "GET",
		Path:      path,
		Status:    status,
		LatencyMS: 12.5,
		Cache:     model.CacheMiss,
		UserAgent: "repotest/1.0",
	}
}

func mustAppend(t *testing.T, repo repository.LogRepository, rec *model.LogRecord) int64 {
	t.Helper()
	id, err := repo.Append(context.Background(), rec)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return id
}

func testAppendIDs(t *testing.T, repo repository.LogRepository) {
	var last int64
	for i := 0; i < 5; i++ {
		rec := record("ui", "/proxy/routes/jaas", "10.0.0.1", 200)
		id := mustAppend(t, repo, rec)
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		if rec.ID != id {
			t.Errorf("rec.ID = %d, want %d", rec.ID, id)
		}
		last = id
	}
}

func testAppendDefaults(t *testing.T, repo repository.LogRepository) {
	before := time.Now().Add(-time.Second)
	rec := &model.LogRecord{Method: "GET", Path: "/proxy/routes/jaas/tones", Status: 200}
	mustAppend(t, repo, rec)

	page, err := repo.Query(context.Background(), model.LogFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(page.Rows))
	}
	got := page.Rows[0]
	if got.Source != model.UnknownSource {
		t.Errorf("Source = %q, want %q", got.Source, model.UnknownSource)
	}
	if got.Cache != model.CacheBypass {
		t.Errorf("Cache = %q, want %q", got.Cache, model.CacheBypass)
	}
	if got.TS.Before(before) || got.TS.After(time.Now().Add(time.Second)) {
		t.Errorf("TS = %v, want close to now", got.TS)
	}
	if got.TS.Location() != time.UTC {
		t.Errorf("TS location = %v, want UTC", got.TS.Location())
	}
}

func testAppendBatch(t *testing.T, repo repository.LogRepository) {
	recs := []*model.LogRecord{
		record("ui", "/a", "1.1.1.1", 200),
		record("ui", "/b", "1.1.1.1", 200),
		record("ui", "/c", "1.1.1.1", 200),
	}
	if err := repo.AppendBatch(context.Background(), recs); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].ID <= recs[i-1].ID {
			t.Errorf("batch ids not increasing: %d then %d", recs[i-1].ID, recs[i].ID)
		}
	}

	page, err := repo.Query(context.Background(), model.LogFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Total != 3 {
		t.Errorf("Total = %d, want 3", page.Total)
	}
	if len(page.Rows) == 3 && page.Rows[0].Path != "/c" {
		t.Errorf("newest row path = %q, want /c", page.Rows[0].Path)
	}
}

func testConcurrentAppend(t *testing.T, repo repository.LogRepository) {
	const n = 40
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := repo.Append(context.Background(), record("ui", fmt.Sprintf("/p/%d", i), "2.2.2.2", 200))
			if err != nil {
				t.Errorf("Append: %v", err)
				return
			}
			ids <- id
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("unique ids = %d, want %d", len(seen), n)
	}

	page, err := repo.Query(context.Background(), model.LogFilter{}, 500, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Total != n {
		t.Errorf("Total = %d, want %d", page.Total, n)
	}
}

func testQueryOrder(t *testing.T, repo repository.LogRepository) {
	for i := 0; i < 5; i++ {
		mustAppend(t, repo, record("ui", fmt.Sprintf("/p/%d", i), "3.3.3.3", 200))
	}
	page, err := repo.Query(context.Background(), model.LogFilter{}, 100, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for i := 1; i < len(page.Rows); i++ {
		if page.Rows[i].ID >= page.Rows[i-1].ID {
			t.Fatalf("rows not in descending id order: %d then %d", page.Rows[i-1].ID, page.Rows[i].ID)
		}
	}
	if page.Rows[0].Path != "/p/4" {
		t.Errorf("first row path = %q, want /p/4", page.Rows[0].Path)
	}
}

func testFilterIntersection(t *testing.T, repo repository.LogRepository) {
	mustAppend(t, repo, record("ui", "/proxy/routes/jaas", "10.0.0.1", 200))
	mustAppend(t, repo, record("ui", "/proxy/routes/jaas", "10.0.0.2", 502))
	mustAppend(t, repo, record("ui-admin", "/proxy/routes/jaas", "10.0.0.1", 200))
	mustAppend(t, repo, record("ui", "/proxy/routes/jaas/topics", "10.0.0.1", 200))

	status200 := 200
	cases := []struct {
		name   string
		filter model.LogFilter
		want   int64
	}{
		{"none", model.LogFilter{}, 4},
		{"source", model.LogFilter{Source: "ui"}, 3},
		{"source and status", model.LogFilter{Source: "ui", Status: &status200}, 2},
		{"ip", model.LogFilter{IP: "10.0.0.1"}, 3},
		{"path substring", model.LogFilter{Path: "topics"}, 1},
		{"all four", model.LogFilter{Source: "ui", Path: "jaas", IP: "10.0.0.1", Status: &status200}, 2},
		{"no match", model.LogFilter{Source: "script"}, 0},
	}
	for _, c := range cases {
		page, err := repo.Query(context.Background(), c.filter, 100, 0)
		if err != nil {
			t.Fatalf("%s: Query: %v", c.name, err)
		}
		if page.Total != c.want || int64(len(page.Rows)) != c.want {
			t.Errorf("%s: total=%d rows=%d, want %d", c.name, page.Total, len(page.Rows), c.want)
		}
		for _, row := range page.Rows {
			if !c.filter.Match(&row) {
				t.Errorf("%s: row %+v does not match filter", c.name, row)
			}
		}
	}
}

func testPathLiteral(t *testing.T, repo repository.LogRepository) {
	mustAppend(t, repo, record("ui", "/proxy/routes/jaasXtones", "1.1.1.1", 200))
	mustAppend(t, repo, record("ui", "/proxy/routes/jaas_tones", "1.1.1.1", 200))
	mustAppend(t, repo, record("ui", "/proxy/routes/100%", "1.1.1.1", 200))

	cases := map[string]int64{
		"jaas_tones": 1,
		"100%":       1,
		"%":          1,
		"_":          1,
	}
	for substr, want := range cases {
		page, err := repo.Query(context.Background(), model.LogFilter{Path: substr}, 100, 0)
		if err != nil {
			t.Fatalf("Query(%q): %v", substr, err)
		}
		if page.Total != want {
			t.Errorf("path %q matched %d rows, want %d", substr, page.Total, want)
		}
	}
}

func testPagination(t *testing.T, repo repository.LogRepository) {
	const n = 25
	for i := 0; i < n; i++ {
		mustAppend(t, repo, record("ui", fmt.Sprintf("/p/%d", i), "4.4.4.4", 200))
	}

	seen := make(map[int64]bool)
	for offset := 0; offset < n; offset += 10 {
		page, err := repo.Query(context.Background(), model.LogFilter{}, 10, offset)
		if err != nil {
			t.Fatalf("Query offset=%d: %v", offset, err)
		}
		if page.Total != n {
			t.Errorf("offset=%d: Total = %d, want %d", offset, page.Total, n)
		}
		if page.Limit != 10 || page.Offset != offset {
			t.Errorf("offset=%d: page reports limit=%d offset=%d", offset, page.Limit, page.Offset)
		}
		for _, row := range page.Rows {
			if seen[row.ID] {
				t.Errorf("row %d returned twice", row.ID)
			}
			seen[row.ID] = true
		}
	}
	if len(seen) != n {
		t.Errorf("pages covered %d rows, want %d", len(seen), n)
	}

	page, err := repo.Query(context.Background(), model.LogFilter{}, 10, 100)
	if err != nil {
		t.Fatalf("Query past end: %v", err)
	}
	if len(page.Rows) != 0 || page.Total != n {
		t.Errorf("past end: rows=%d total=%d, want 0 and %d", len(page.Rows), page.Total, n)
	}
	if page.Rows == nil {
		t.Error("Rows must be an empty slice, not nil")
	}
}

func testClamp(t *testing.T, repo repository.LogRepository) {
	mustAppend(t, repo, record("ui", "/p", "5.5.5.5", 200))

	page, err := repo.Query(context.Background(), model.LogFilter{}, 10_000, -7)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Limit != model.MaxLimit || page.Offset != 0 {
		t.Errorf("limit=%d offset=%d, want %d and 0", page.Limit, page.Offset, model.MaxLimit)
	}
	if len(page.Rows) != 1 {
		t.Errorf("rows = %d, want 1", len(page.Rows))
	}

	page, err = repo.Query(context.Background(), model.LogFilter{}, 0, 99_999)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Limit != 1 || page.Offset != model.MaxOffset {
		t.Errorf("limit=%d offset=%d, want 1 and %d", page.Limit, page.Offset, model.MaxOffset)
	}
}

func testStatsWindows(t *testing.T, repo repository.LogRepository) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	at := func(d time.Duration) *model.LogRecord {
		rec := record("ui", "/p", "6.6.6.6", 200)
		rec.TS = now.Add(-d)
		return rec
	}

	mustAppend(t, repo, at(0))
	mustAppend(t, repo, at(30*time.Minute))
	mustAppend(t, repo, at(time.Hour))             // boundary: inside lastHour
	mustAppend(t, repo, at(time.Hour+time.Second)) // just outside lastHour
	mustAppend(t, repo, at(24*time.Hour))          // boundary: inside lastDay
	mustAppend(t, repo, at(25*time.Hour))
	mustAppend(t, repo, at(30*24*time.Hour))

	stats, err := repo.Stats(context.Background(), now)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 7 {
		t.Errorf("Total = %d, want 7", stats.Total)
	}
	if stats.LastHour != 3 {
		t.Errorf("LastHour = %d, want 3", stats.LastHour)
	}
	if stats.LastDay != 5 {
		t.Errorf("LastDay = %d, want 5", stats.LastDay)
	}
}

func testStatsBySource(t *testing.T, repo repository.LogRepository) {
	now := time.Now().UTC()
	for _, source := range []string{"ui", "ui-admin", "ui"} {
		rec := record(source, "/proxy/routes/jaas", "7.7.7.7", 200)
		rec.TS = now
		mustAppend(t, repo, rec)
	}
	old := record("script", "/proxy/routes/jaas", "7.7.7.7", 200)
	old.TS = now.Add(-48 * time.Hour)
	mustAppend(t, repo, old)

	stats, err := repo.Stats(context.Background(), now)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := []model.SourceCount{{Source: "ui", Count: 2}, {Source: "ui-admin", Count: 1}}
	if len(stats.BySource) != len(want) {
		t.Fatalf("BySource = %+v, want %+v", stats.BySource, want)
	}
	for i := range want {
		if stats.BySource[i] != want[i] {
			t.Errorf("BySource[%d] = %+v, want %+v", i, stats.BySource[i], want[i])
		}
	}
}
