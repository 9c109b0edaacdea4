package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"docmill/internal/config"
	"docmill/internal/logging"
)

// ErrBufferFull is returned when the in-memory buffer has reached its bound
// and an event cannot be accepted.
var ErrBufferFull = errors.New("audit buffer full")

// FlushObserver receives flush outcomes, typically for metrics.
type FlushObserver interface {
	FlushSucceeded()
	FlushFailed()
}

// Batcher accumulates audit events and flushes them in bulk with duplicate
// suppression. Record never blocks on the database.
type Batcher struct {
	store   *Store
	logger  *slog.Logger
	journal *Journal

	batchSize     int
	flushInterval time.Duration
	maxBuffer     int
	flushRetries  int

	observer FlushObserver

	mu     sync.Mutex
	buffer []Event
	kick   chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewBatcher constructs a batcher. journal may be nil for in-memory mode.
func NewBatcher(cfg *config.Config, store *Store, journal *Journal, logger *slog.Logger) *Batcher {
	return &Batcher{
		store:         store,
		logger:        logging.NewComponentLogger(logger, "audit-batcher"),
		journal:       journal,
		batchSize:     cfg.Audit.BatchSize,
		flushInterval: time.Duration(cfg.Audit.FlushInterval) * time.Millisecond,
		maxBuffer:     cfg.Audit.MaxBuffer,
		flushRetries:  cfg.Audit.FlushRetries,
		kick:          make(chan struct{}, 1),
	}
}

// SetObserver wires flush outcome reporting. Call before Start.
func (b *Batcher) SetObserver(observer FlushObserver) {
	b.observer = observer
}

// Start replays any journaled events from a previous run and launches the
// flush loop.
func (b *Batcher) Start(ctx context.Context) error {
	if b.journal != nil {
		replayed, err := b.journal.Replay(ctx, b.store)
		if err != nil {
			return fmt.Errorf("replay audit journal: %w", err)
		}
		if replayed > 0 {
			b.logger.Info("replayed journaled audit events", logging.Int("count", replayed))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go b.loop(runCtx)
	return nil
}

// Stop flushes remaining events and terminates the loop. The journal is
// truncated only here, once everything recorded has reached the database or
// the overflow store; mid-run truncation could race a concurrent Record.
func (b *Batcher) Stop(ctx context.Context) {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.wg.Wait()
	b.flush(ctx)

	b.mu.Lock()
	drained := len(b.buffer) == 0
	b.mu.Unlock()
	if b.journal != nil && drained {
		if err := b.journal.Checkpoint(); err != nil {
			b.logger.Warn("audit journal checkpoint failed", logging.Error(err))
		}
	}
}

// Record buffers a lifecycle event. The idempotency key and identifier are
// assigned here so callers only describe what happened.
func (b *Batcher) Record(ctx context.Context, evt Event) error {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.IdempotencyKey == "" {
		evt.IdempotencyKey = IdempotencyKey(evt)
	}

	if b.journal != nil {
		if err := b.journal.Append(evt); err != nil {
			b.logger.Warn("audit journal append failed", logging.Error(err))
		}
	}

	b.mu.Lock()
	if len(b.buffer) >= b.maxBuffer {
		b.mu.Unlock()
		b.logger.Error("audit buffer full; rejecting event",
			logging.String("event_type", evt.Type),
			logging.String(logging.FieldJobID, evt.JobID),
		)
		return ErrBufferFull
	}
	b.buffer = append(b.buffer, evt)
	full := len(b.buffer) >= b.batchSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Batcher) loop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.kick:
			b.flush(ctx)
		}
	}
}

// flush drains the buffer in batch-size chunks. A failed batch is retried
// with backoff; after exhausting retries it is preserved in the journal's
// overflow store rather than dropped.
func (b *Batcher) flush(ctx context.Context) {
	for {
		b.mu.Lock()
		if len(b.buffer) == 0 {
			b.mu.Unlock()
			return
		}
		n := len(b.buffer)
		if n > b.batchSize {
			n = b.batchSize
		}
		batch := make([]Event, n)
		copy(batch, b.buffer[:n])
		b.buffer = b.buffer[n:]
		b.mu.Unlock()

		if err := b.flushBatch(ctx, batch); err != nil {
			b.logger.Error("audit flush failed after retries", logging.Error(err), logging.Int("batch", len(batch)))
			if b.observer != nil {
				b.observer.FlushFailed()
			}
			if b.journal != nil {
				if overflowErr := b.journal.Overflow(batch); overflowErr != nil {
					b.logger.Error("audit overflow write failed; requeueing batch", logging.Error(overflowErr))
					b.requeue(batch)
				}
			} else {
				b.requeue(batch)
			}
			return
		}
		if b.observer != nil {
			b.observer.FlushSucceeded()
		}
	}
}

func (b *Batcher) flushBatch(ctx context.Context, batch []Event) error {
	delay := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < b.flushRetries; attempt++ {
		_, lastErr = b.store.InsertBatch(ctx, batch)
		if lastErr == nil {
			return nil
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return lastErr
		}
		delay *= 2
	}
	return lastErr
}

func (b *Batcher) requeue(batch []Event) {
	b.mu.Lock()
	b.buffer = append(batch, b.buffer...)
	b.mu.Unlock()
}
