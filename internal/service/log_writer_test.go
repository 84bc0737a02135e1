package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pendingjustification/pjedge/internal/config"
	"github.com/pendingjustification/pjedge/internal/metrics"
	"github.com/pendingjustification/pjedge/internal/model"
	"github.com/pendingjustification/pjedge/internal/repository/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newMetrics() *metrics.MetricsCollector {
	return metrics.NewMetricsCollector("test", "pjedge", prometheus.NewRegistry())
}

func rec(i int) *model.LogRecord {
	return &model.LogRecord{
		RequestID: fmt.Sprintf("req-%d", i),
		Method:    "GET",
		Path:      fmt.Sprintf("/proxy/routes/jaas/%d", i),
		Status:    200,
		Source:    "ui",
		Cache:     model.CacheMiss,
	}
}

func total(t *testing.T, repo *memory.MemoryRepository) int64 {
	t.Helper()
	page, err := repo.Query(context.Background(), model.LogFilter{}, 1, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	return page.Total
}

func TestLogWriterSync(t *testing.T) {
	repo := memory.NewMemoryRepository()
	m := newMetrics()
	w := NewLogWriter(repo, config.LogStoreConfig{}, m, zerolog.New(io.Discard))

	r := rec(1)
	w.Write(r)
	if r.ID == 0 {
		t.Error("sync write should assign the id before returning")
	}
	if got := total(t, repo); got != 1 {
		t.Errorf("stored = %d, want 1", got)
	}
	if got := testutil.ToFloat64(m.LogWrites.WithLabelValues(WriteOK)); got != 1 {
		t.Errorf("log_writes_total{ok} = %v, want 1", got)
	}
	if err := w.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestLogWriterAsyncDrainsOnClose(t *testing.T) {
	repo := memory.NewMemoryRepository()
	cfg := config.LogStoreConfig{Async: true, Workers: 3, BufferSize: 500, FlushInterval: time.Hour}
	cfg.Pool.BatchSize = 7
	w := NewLogWriter(repo, cfg, newMetrics(), zerolog.New(io.Discard))

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w.Write(rec(i))
		}(i)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := total(t, repo); got != n {
		t.Errorf("stored = %d, want %d", got, n)
	}

	// Writes after Close are dropped rather than panicking.
	w.Write(rec(n))
	if err := w.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestLogWriterAsyncFlushesOnInterval(t *testing.T) {
	repo := memory.NewMemoryRepository()
	cfg := config.LogStoreConfig{Async: true, Workers: 1, BufferSize: 10, FlushInterval: 10 * time.Millisecond}
	cfg.Pool.BatchSize = 100
	w := NewLogWriter(repo, cfg, nil, zerolog.New(io.Discard))
	defer w.Close(context.Background())

	w.Write(rec(1))
	deadline := time.Now().Add(2 * time.Second)
	for total(t, repo) != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := total(t, repo); got != 1 {
		t.Errorf("stored = %d, want 1 after the flush interval", got)
	}
}

// blockingRepo holds AppendBatch until release is closed.
type blockingRepo struct {
	*memory.MemoryRepository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *blockingRepo) AppendBatch(ctx context.Context, recs []*model.LogRecord) error {
	r.once.Do(func() { close(r.entered) })
	<-r.release
	return r.MemoryRepository.AppendBatch(ctx, recs)
}

func TestLogWriterDropsWhenQueueFull(t *testing.T) {
	repo := &blockingRepo{
		MemoryRepository: memory.NewMemoryRepository(),
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	m := newMetrics()
	cfg := config.LogStoreConfig{Async: true, Workers: 1, BufferSize: 2, FlushInterval: time.Hour}
	cfg.Pool.BatchSize = 1
	w := NewLogWriter(repo, cfg, m, zerolog.New(io.Discard))

	w.Write(rec(0))
	<-repo.entered // the worker is now stuck saving rec 0

	w.Write(rec(1))
	w.Write(rec(2))
	w.Write(rec(3)) // queue holds 1 and 2

	if got := testutil.ToFloat64(m.LogWrites.WithLabelValues(WriteDropped)); got != 1 {
		t.Errorf("log_writes_total{dropped} = %v, want 1", got)
	}

	close(repo.release)
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	page, _ := repo.Query(context.Background(), model.LogFilter{}, 10, 0)
	if page.Total != 3 {
		t.Errorf("stored = %d, want 3", page.Total)
	}
}

type failingRepo struct{ *memory.MemoryRepository }

func (failingRepo) Append(context.Context, *model.LogRecord) (int64, error) {
	return 0, errors.New("disk full")
}

func TestLogWriterSyncFailureIsCounted(t *testing.T) {
	m := newMetrics()
	w := NewLogWriter(failingRepo{memory.NewMemoryRepository()}, config.LogStoreConfig{}, m, zerolog.New(io.Discard))
	w.Write(rec(1))

	if got := testutil.ToFloat64(m.LogWrites.WithLabelValues(WriteFailed)); got != 1 {
		t.Errorf("log_writes_total{failed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ErrorCounter.WithLabelValues("log_write")); got != 1 {
		t.Errorf("errors_total{log_write} = %v, want 1", got)
	}
}

func TestLogWriterCloseHonoursContext(t *testing.T) {
	repo := &blockingRepo{
		MemoryRepository: memory.NewMemoryRepository(),
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	cfg := config.LogStoreConfig{Async: true, Workers: 1, BufferSize: 4, FlushInterval: time.Hour}
	cfg.Pool.BatchSize = 1
	w := NewLogWriter(repo, cfg, nil, zerolog.New(io.Discard))
	w.Write(rec(0))
	<-repo.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close = %v, want deadline exceeded", err)
	}
	close(repo.release)
}
