package service

import (
	"context"
	"sync"
	"time"

	"github.com/pendingjustification/pjedge/internal/config"
	"github.com/pendingjustification/pjedge/internal/metrics"
	"github.com/pendingjustification/pjedge/internal/model"
	"github.com/pendingjustification/pjedge/internal/repository"
	"github.com/rs/zerolog"
)

// Log write outcomes reported to log_writes_total.
const (
	WriteOK      = "ok"
	WriteFailed  = "failed"
	WriteDropped = "dropped"
)

// LogWriter hands request log records to the repository. In sync mode every
// Write is an Append; in async mode records are queued and saved in batches
// by a pool of workers. Write never blocks on a full queue.
type LogWriter struct {
	repo          repository.LogRepository
	async         bool
	queue         chan *model.LogRecord
	workerCount   int
	batchSize     int
	flushInterval time.Duration
	writeTimeout  time.Duration

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	metrics *metrics.MetricsCollector
	logger  zerolog.Logger
}

func NewLogWriter(repo repository.LogRepository, cfg config.LogStoreConfig, m *metrics.MetricsCollector, logger zerolog.Logger) *LogWriter {
	w := &LogWriter{
		repo:          repo,
		async:         cfg.Async,
		workerCount:   cfg.Workers,
		batchSize:     cfg.Pool.BatchSize,
		flushInterval: cfg.FlushInterval,
		writeTimeout:  cfg.WriteTimeout,
		done:          make(chan struct{}),
		metrics:       m,
		logger:        logger,
	}
	if w.writeTimeout <= 0 {
		w.writeTimeout = 5 * time.Second
	}
	if w.batchSize <= 0 {
		w.batchSize = 100
	}
	if w.flushInterval <= 0 {
		w.flushInterval = 100 * time.Millisecond
	}
	if w.workerCount <= 0 {
		w.workerCount = 1
	}

	if w.async {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1000
		}
		w.queue = make(chan *model.LogRecord, size)
		w.startWorkers()
	}
	return w
}

func (w *LogWriter) startWorkers() {
	for i := 0; i < w.workerCount; i++ {
		w.wg.Add(1)
		go w.process(i)
	}

	// Start buffer monitor
	go w.monitorQueue()
}

// Write records rec. Errors are logged and counted, never returned.
func (w *LogWriter) Write(rec *model.LogRecord) {
	if !w.async {
		w.append(rec)
		return
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.drop(rec, "log writer closed")
		return
	}
	select {
	case w.queue <- rec:
	default:
		w.drop(rec, "log queue full")
	}
}

func (w *LogWriter) append(rec *model.LogRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()

	if _, err := w.repo.Append(ctx, rec); err != nil {
		w.logger.Warn().
			Err(err).
			Str("request_id", rec.RequestID).
			Str("path", rec.Path).
			Msg("Failed to write request log")
		w.observe(WriteFailed, 1, err)
		return
	}
	w.observe(WriteOK, 1, nil)
}

func (w *LogWriter) drop(rec *model.LogRecord, reason string) {
	w.logger.Warn().
		Str("request_id", rec.RequestID).
		Str("path", rec.Path).
		Msg(reason + ", dropping request log")
	w.observe(WriteDropped, 1, nil)
}

func (w *LogWriter) observe(result string, n int, err error) {
	if w.metrics == nil {
		return
	}
	w.metrics.ObserveLogWrite(result, n)
	w.metrics.LogError("log_write", err)
}

func (w *LogWriter) process(workerID int) {
	defer w.wg.Done()

	batch := make([]*model.LogRecord, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-w.queue:
			if !ok {
				if len(batch) > 0 {
					w.saveBatch(workerID, batch)
				}
				return
			}
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				w.saveBatch(workerID, batch)
				batch = make([]*model.LogRecord, 0, w.batchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.saveBatch(workerID, batch)
				batch = make([]*model.LogRecord, 0, w.batchSize)
			}
		}
	}
}

func (w *LogWriter) saveBatch(workerID int, batch []*model.LogRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()

	start := time.Now()
	err := w.repo.AppendBatch(ctx, batch)
	if w.metrics != nil {
		w.metrics.ObserveBatchSave(time.Since(start))
	}
	if err != nil {
		w.logger.Error().
			Err(err).
			Int("worker", workerID).
			Int("batch_size", len(batch)).
			Msg("Failed to save request log batch")
		w.observe(WriteFailed, len(batch), err)
		return
	}
	w.observe(WriteOK, len(batch), nil)
}

func (w *LogWriter) monitorQueue() {
	if w.metrics == nil {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.metrics.ObserveQueueSize("log", float64(len(w.queue)))
		}
	}
}

// Close stops accepting records and waits for queued ones to be saved or
// for ctx to end. It does not close the repository.
func (w *LogWriter) Close(ctx context.Context) error {
	if !w.async {
		return nil
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	close(w.done)
	w.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run blocks until ctx ends, then drains the queue within timeout.
func (w *LogWriter) Run(ctx context.Context, timeout time.Duration) error {
	<-ctx.Done()
	closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return w.Close(closeCtx)
}
