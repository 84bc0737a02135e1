package cache

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pendingjustification/pjedge/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("bad addr %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("bad port %q: %v", portStr, err)
	}
	return host, port
}

func TestJanitorPurgesOnTick(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(WithClock(clock.Now))
	ctx := context.Background()
	_ = store.Put(ctx, "a", entryAt(clock.Now(), time.Second, "a"))
	_ = store.Put(ctx, "b", entryAt(clock.Now(), time.Hour, "b"))
	clock.Advance(time.Minute)

	m := metrics.NewMetricsCollector("test", "pjedge", prometheus.NewRegistry())
	j := NewJanitor(store, 5*time.Millisecond, m, zerolog.New(io.Discard))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- j.Run(runCtx) }()

	deadline := time.Now().Add(2 * time.Second)
	for store.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
	if got := testutil.ToFloat64(m.CachePurged); got != 1 {
		t.Errorf("cache_purged_total = %v, want 1", got)
	}
}

func TestJanitorStopsWithZeroInterval(t *testing.T) {
	j := NewJanitor(NewMemoryStore(), 0, nil, zerolog.New(io.Discard))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := j.Run(ctx); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}
