package cache

import (
	"context"
	"time"

	"github.com/pendingjustification/pjedge/internal/metrics"
	"github.com/rs/zerolog"
)

// Janitor purges expired entries on a fixed interval.
type Janitor struct {
	store    Store
	interval time.Duration
	metrics  *metrics.MetricsCollector
	log      zerolog.Logger
}

func NewJanitor(store Store, interval time.Duration, m *metrics.MetricsCollector, log zerolog.Logger) *Janitor {
	return &Janitor{store: store, interval: interval, metrics: m, log: log}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	if j.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	purged, err := j.store.PurgeExpired(ctx)
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: purge expired cache entries failed")
		if j.metrics != nil {
			j.metrics.LogError("cache_purge", err)
		}
		return
	}
	if purged > 0 {
		j.log.Info().Int("count", purged).Msg("janitor: purged expired cache entries")
		if j.metrics != nil {
			j.metrics.ObservePurged(purged)
		}
	}
}
