package logsink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cognitedata/simulator-connector/internal/domain"
	"github.com/cognitedata/simulator-connector/internal/logging"
	"github.com/cognitedata/simulator-connector/internal/metrics"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 500 * time.Millisecond
	defaultTimeout       = 5 * time.Second
	defaultMaxRetries    = 3
	defaultRetryInterval = 100 * time.Millisecond
)

// BatcherConfig holds the tunables for a Batcher.
type BatcherConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

// Batcher buffers log entries per run and forwards them to a Sink in
// batches, either when a run's buffer reaches BatchSize, on a timer, or
// when explicitly flushed at a run's terminal transition. A failed
// forward is retried with exponential backoff before being dropped.
type Batcher struct {
	sink   Sink
	cfg    BatcherConfig
	logger *slog.Logger

	mu      sync.Mutex
	buffers map[int64][]domain.LogEntry

	closed chan struct{}
	wg     sync.WaitGroup
}

// NewBatcher constructs a Batcher writing through sink and starts its
// background flush loop.
func NewBatcher(sink Sink, cfg BatcherConfig) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}

	b := &Batcher{
		sink:    sink,
		cfg:     cfg,
		logger:  logging.Op(),
		buffers: make(map[int64][]domain.LogEntry),
		closed:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Enqueue appends entry to runID's buffer. Once the buffer reaches
// BatchSize it is flushed asynchronously so the caller never blocks on
// a network round trip.
func (b *Batcher) Enqueue(runID int64, entry domain.LogEntry) {
	b.mu.Lock()
	b.buffers[runID] = append(b.buffers[runID], entry)
	full := len(b.buffers[runID]) >= b.cfg.BatchSize
	b.mu.Unlock()

	if full {
		go func() {
			if err := b.Flush(context.Background(), runID); err != nil {
				b.logger.Warn("log batcher: threshold flush failed", "run_id", runID, "error", err)
			}
		}()
	}
}

// Flush forwards runID's buffered entries now, draining the buffer.
// Callers use this on a run's terminal transition so no entries are
// left stranded behind the next timer tick.
func (b *Batcher) Flush(ctx context.Context, runID int64) error {
	b.mu.Lock()
	batch := b.buffers[runID]
	delete(b.buffers, runID)
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return b.sendWithRetry(ctx, runID, batch)
}

// FlushAll forwards every run's buffered entries. It is used by the
// periodic flush loop and during Shutdown.
func (b *Batcher) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	runIDs := make([]int64, 0, len(b.buffers))
	for id := range b.buffers {
		runIDs = append(runIDs, id)
	}
	b.mu.Unlock()

	var firstErr error
	for _, id := range runIDs {
		if err := b.Flush(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown stops the flush loop and makes a best-effort final flush of
// any remaining buffers, bounded by timeout.
func (b *Batcher) Shutdown(timeout time.Duration) {
	close(b.closed)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		b.logger.Warn("timeout waiting for log batcher shutdown", "timeout", timeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()
	if err := b.FlushAll(ctx); err != nil {
		b.logger.Warn("log batcher: final flush on shutdown failed", "error", err)
	}
}

func (b *Batcher) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.closed:
			return
		case <-ticker.C:
			if err := b.FlushAll(context.Background()); err != nil {
				b.logger.Warn("log batcher: periodic flush failed", "error", err)
			}
		}
	}
}

func (b *Batcher) sendWithRetry(ctx context.Context, runID int64, batch []domain.LogEntry) error {
	var lastErr error
	for attempt := 0; attempt < b.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		lastErr = b.sink.Append(callCtx, runID, batch)
		cancel()
		if lastErr == nil {
			metrics.RecordLogFlush(true)
			return nil
		}
		b.logger.Warn("failed to forward run log entries, retrying",
			"run_id", runID, "count", len(batch), "attempt", attempt+1, "error", lastErr)
		time.Sleep(time.Duration(1<<uint(attempt)) * b.cfg.RetryInterval)
	}
	b.logger.Error("permanently failed to forward run log entries after retries",
		"run_id", runID, "count", len(batch), "error", lastErr)
	metrics.RecordLogFlush(false)
	return lastErr
}
