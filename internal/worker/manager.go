// Package worker runs the pull workers that drain the priority queue. Each
// worker claims one delivery at a time, drives it through the pipeline
// stages with cancellation checkpoints between them, and decides between
// completion, retry with backoff, and the dead-letter table.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"docmill/internal/audit"
	"docmill/internal/cancel"
	"docmill/internal/config"
	"docmill/internal/logging"
	"docmill/internal/metrics"
	"docmill/internal/pipeline"
	"docmill/internal/progress"
	"docmill/internal/queue"
	"docmill/internal/services"
	"docmill/internal/stage"
)

// Manager owns the worker pool.
type Manager struct {
	cfg      *config.Config
	store    *queue.Store
	pipeline *pipeline.Pipeline
	auditor  *audit.Batcher
	checker  cancel.Checker
	progress *progress.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger

	laneOrder []queue.Lane

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires the worker pool. metrics may be nil in tests.
func NewManager(cfg *config.Config, store *queue.Store, pl *pipeline.Pipeline, auditor *audit.Batcher, checker cancel.Checker, publisher *progress.Publisher, m *metrics.Metrics, logger *slog.Logger) *Manager {
	laneOrder := make([]queue.Lane, 0, len(cfg.Workflow.LaneOrder))
	for _, lane := range cfg.Workflow.LaneOrder {
		laneOrder = append(laneOrder, queue.ParseLane(lane))
	}
	return &Manager{
		cfg:       cfg,
		store:     store,
		pipeline:  pl,
		auditor:   auditor,
		checker:   checker,
		progress:  publisher,
		metrics:   m,
		logger:    logging.NewComponentLogger(logger, "worker"),
		laneOrder: laneOrder,
	}
}

// Start launches the configured number of workers.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return errors.New("worker manager already started")
	}
	runCtx, cancelRun := context.WithCancel(ctx)
	m.cancel = cancelRun

	workers := m.cfg.Workflow.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.run(runCtx, i)
	}
	m.logger.Info("workers started", logging.Int("count", workers))
	return nil
}

// Stop signals all workers and waits for in-flight jobs to settle.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancelRun := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancelRun != nil {
		cancelRun()
	}
	m.wg.Wait()
}

// Health reports per-stage readiness.
func (m *Manager) Health(ctx context.Context) []stage.Health {
	return m.pipeline.Health(ctx)
}

func (m *Manager) run(ctx context.Context, id int) {
	defer m.wg.Done()
	logger := m.logger.With(logging.Int("worker", id))
	poll := time.Duration(m.cfg.Workflow.QueuePollInterval) * time.Second
	if poll <= 0 {
		poll = time.Second
	}
	errorRetry := time.Duration(m.cfg.Workflow.ErrorRetryInterval) * time.Second
	if errorRetry <= 0 {
		errorRetry = poll
	}

	for {
		if ctx.Err() != nil {
			return
		}
		worked, err := m.iterate(ctx, logger)
		if err != nil && ctx.Err() == nil {
			logger.Error("worker iteration failed", logging.Error(err))
		}
		if worked {
			continue
		}
		// Store errors back off on their own cadence so a wedged database is
		// not hammered at the poll rate.
		delay := poll
		if err != nil {
			delay = errorRetry
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// iterate performs one claim attempt. It returns true when a delivery was
// processed, so the caller skips the poll sleep.
func (m *Manager) iterate(ctx context.Context, logger *slog.Logger) (bool, error) {
	stopped, err := m.checker.StopRequested(ctx)
	if err != nil {
		return false, fmt.Errorf("check emergency stop: %w", err)
	}
	if stopped {
		return false, nil
	}

	if reclaimed, err := m.store.ReclaimExpiredLeases(ctx); err != nil {
		return false, fmt.Errorf("reclaim leases: %w", err)
	} else if reclaimed > 0 {
		logger.Warn("reclaimed expired leases", logging.Int64("count", reclaimed))
	}

	leaseTimeout := time.Duration(m.cfg.Workflow.LeaseTimeout) * time.Second
	msg, err := m.store.Claim(ctx, m.laneOrder, leaseTimeout)
	if err != nil {
		return false, fmt.Errorf("claim delivery: %w", err)
	}
	if msg == nil {
		return false, nil
	}

	m.process(ctx, logger, msg)
	return true, nil
}

func (m *Manager) process(ctx context.Context, logger *slog.Logger, msg *queue.Message) {
	logger = logger.With(
		logging.String(logging.FieldJobID, msg.JobID),
		logging.String(logging.FieldLane, string(msg.Lane)),
		logging.Int("attempt", msg.Attempt))

	job, err := m.store.GetJob(ctx, msg.JobID)
	if err != nil {
		logger.Error("load job failed", logging.Error(err))
		return
	}
	if job == nil || queue.IsTerminal(job.Status) {
		// A duplicate delivery of finished work; drop it without side effects.
		if err := m.store.Ack(ctx, msg.ID); err != nil {
			logger.Error("ack stale delivery failed", logging.Error(err))
		}
		return
	}

	if !m.claimJob(ctx, logger, job) {
		if err := m.store.Ack(ctx, msg.ID); err != nil {
			logger.Error("ack contested delivery failed", logging.Error(err))
		}
		return
	}

	m.recordAudit(ctx, logger, audit.Event{
		JobID:   job.ID,
		Type:    audit.EventJobStarted,
		ActorID: job.ActorID,
		TraceID: job.TraceID,
		Metadata: map[string]any{
			"lane":    string(msg.Lane),
			"attempt": msg.Attempt,
		},
	})

	started := time.Now()
	stopRenew := m.startLeaseRenewal(ctx, logger, msg.ID)
	err = m.runStages(ctx, logger, job)
	stopRenew()

	switch {
	case err == nil:
		m.finishSuccess(ctx, logger, job, msg, started)
	case errors.Is(err, errAborted):
		m.finishCancelled(ctx, logger, job, msg, started)
	case ctx.Err() != nil:
		// Shutdown mid-job: leave the delivery leased. The lease expires and
		// another worker resumes the job from the front of the pipeline.
		logger.Info("shutdown during job, leaving delivery for reclaim")
	default:
		m.finishFailure(ctx, logger, job, msg, err, started)
	}
}

// claimJob moves the job into processing, tolerating reclaimed deliveries
// whose job is already processing from a crashed worker.
func (m *Manager) claimJob(ctx context.Context, logger *slog.Logger, job *queue.Job) bool {
	for _, from := range []queue.Status{queue.StatusQueued, queue.StatusRetrying} {
		if job.Status != from {
			continue
		}
		ok, err := m.store.TransitionStatus(ctx, job.ID, from, queue.StatusProcessing)
		if err != nil {
			logger.Error("status transition failed", logging.Error(err))
			return false
		}
		if ok {
			job.Status = queue.StatusProcessing
			return true
		}
	}
	// A crashed worker can leave the job processing with an expired lease.
	return job.Status == queue.StatusProcessing
}

// errAborted signals a cooperative cancellation observed at a checkpoint.
var errAborted = errors.New("job aborted at checkpoint")

func (m *Manager) runStages(ctx context.Context, logger *slog.Logger, job *queue.Job) error {
	stages := m.pipeline.Stages()
	stageTimeout := time.Duration(m.cfg.Workflow.StageTimeout) * time.Second

	for i, named := range stages {
		if err := m.checkpoint(ctx, job.ID); err != nil {
			return err
		}

		stageLogger := logger.With(logging.String(logging.FieldStage, named.Name))
		stageCtx := ctx
		var cancelStage context.CancelFunc
		if stageTimeout > 0 {
			stageCtx, cancelStage = context.WithTimeout(ctx, stageTimeout)
		}
		err := m.runStage(stageCtx, named.Handler, job)
		if cancelStage != nil {
			cancelStage()
		}
		if err != nil {
			if stageCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				err = services.Wrap(services.ErrTimeout, named.Name, "execute",
					fmt.Sprintf("stage exceeded its %s budget", stageTimeout), err)
			}
			return err
		}

		percent := float64(i+1) / float64(len(stages)) * 100
		if pubErr := m.progress.Publish(ctx, job.ID, named.Name, percent); pubErr != nil {
			stageLogger.Warn("progress publish failed", logging.Error(pubErr))
		}
		stageLogger.Debug("stage complete")
	}
	return nil
}

func (m *Manager) runStage(ctx context.Context, handler stage.Handler, job *queue.Job) error {
	if err := handler.Prepare(ctx, job); err != nil {
		return err
	}
	return handler.Execute(ctx, job)
}

// checkpoint aborts between stages when the job was cancelled or the
// emergency stop engaged while it was executing.
func (m *Manager) checkpoint(ctx context.Context, jobID string) error {
	cancelled, err := m.checker.Cancelled(ctx, jobID)
	if err != nil {
		return fmt.Errorf("check cancellation: %w", err)
	}
	if cancelled {
		return errAborted
	}
	stopped, err := m.checker.StopRequested(ctx)
	if err != nil {
		return fmt.Errorf("check emergency stop: %w", err)
	}
	if stopped {
		return errAborted
	}
	return nil
}

func (m *Manager) finishSuccess(ctx context.Context, logger *slog.Logger, job *queue.Job, msg *queue.Message, started time.Time) {
	ok, err := m.store.TransitionStatus(ctx, job.ID, queue.StatusProcessing, queue.StatusCompleted)
	if err != nil {
		logger.Error("complete transition failed", logging.Error(err))
		return
	}
	if !ok {
		logger.Warn("job left processing before completion")
	}
	units, err := m.pipeline.Complete(ctx, job)
	if err != nil {
		logger.Error("cost settlement failed", logging.Error(err))
	}
	if err := m.store.Ack(ctx, msg.ID); err != nil {
		logger.Error("ack failed", logging.Error(err))
	}
	if err := m.progress.Publish(ctx, job.ID, "completed", 100); err != nil {
		logger.Warn("progress publish failed", logging.Error(err))
	}

	m.recordAudit(ctx, logger, audit.Event{
		JobID:   job.ID,
		Type:    audit.EventJobCompleted,
		ActorID: job.ActorID,
		TraceID: job.TraceID,
		Metadata: map[string]any{
			"units_billed": units,
			"export_key":   job.ExportKey,
		},
	})
	m.observeTerminal(queue.StatusCompleted, started)
	logger.Info("job completed",
		logging.Int64("units_billed", units),
		logging.Duration("elapsed", time.Since(started)))
}

func (m *Manager) finishCancelled(ctx context.Context, logger *slog.Logger, job *queue.Job, msg *queue.Message, started time.Time) {
	if _, err := m.store.MarkCancelled(ctx, job.ID); err != nil {
		logger.Error("cancel transition failed", logging.Error(err))
	}
	if err := m.pipeline.Abort(ctx, job); err != nil {
		logger.Error("pipeline abort failed", logging.Error(err))
	}
	if err := m.store.Ack(ctx, msg.ID); err != nil {
		logger.Error("ack failed", logging.Error(err))
	}
	m.recordAudit(ctx, logger, audit.Event{
		JobID:   job.ID,
		Type:    audit.EventJobCancelled,
		ActorID: job.ActorID,
		TraceID: job.TraceID,
	})
	m.observeTerminal(queue.StatusCancelled, started)
	logger.Info("job cancelled at checkpoint")
}

func (m *Manager) finishFailure(ctx context.Context, logger *slog.Logger, job *queue.Job, msg *queue.Message, cause error, started time.Time) {
	kind := services.Classify(cause)
	summary := services.Summary(cause)

	if err := m.pipeline.Abort(ctx, job); err != nil {
		logger.Error("pipeline abort failed", logging.Error(err))
	}

	maxAttempts := m.cfg.Workflow.MaxAttempts
	attemptsUsed := msg.Attempt + 1
	if services.Retryable(kind) && attemptsUsed < maxAttempts {
		if _, err := m.store.TransitionStatus(ctx, job.ID, queue.StatusProcessing, queue.StatusRetrying); err != nil {
			logger.Error("retry transition failed", logging.Error(err))
		}
		delay := m.retryBackoff(msg.Attempt)
		if err := m.store.Release(ctx, msg.ID, time.Now().UTC().Add(delay), summary); err != nil {
			logger.Error("release for retry failed", logging.Error(err))
			return
		}
		m.recordAudit(ctx, logger, audit.Event{
			JobID:   job.ID,
			Type:    audit.EventJobRetrying,
			ActorID: job.ActorID,
			TraceID: job.TraceID,
			Metadata: map[string]any{
				"error_kind": string(kind),
				"attempt":    attemptsUsed,
				"retry_in":   delay.String(),
			},
		})
		if m.metrics != nil {
			m.metrics.RetriesScheduled.Inc()
		}
		logger.Warn("job scheduled for retry",
			logging.String("error_kind", string(kind)),
			logging.Duration("retry_in", delay),
			logging.Error(cause))
		return
	}

	if _, err := m.store.MarkFailed(ctx, job.ID, string(kind), summary); err != nil {
		logger.Error("failure transition failed", logging.Error(err))
	}
	if err := m.store.MoveToDeadLetter(ctx, msg, string(kind), summary); err != nil {
		logger.Error("dead-letter move failed", logging.Error(err))
	}
	m.recordAudit(ctx, logger, audit.Event{
		JobID:   job.ID,
		Type:    audit.EventJobFailed,
		ActorID: job.ActorID,
		TraceID: job.TraceID,
		Metadata: map[string]any{
			"error_kind": string(kind),
			"attempts":   attemptsUsed,
		},
	})
	if m.metrics != nil {
		m.metrics.DeadLetters.Inc()
	}
	m.observeTerminal(queue.StatusFailed, started)
	logger.Error("job failed permanently",
		logging.String("error_kind", string(kind)),
		logging.Int("attempts", attemptsUsed),
		logging.Error(cause))
}

// retryBackoff computes the delay before the next attempt: base doubled per
// prior attempt, capped.
func (m *Manager) retryBackoff(attempt int) time.Duration {
	base := time.Duration(m.cfg.Workflow.RetryBackoffBase) * time.Second
	ceiling := time.Duration(m.cfg.Workflow.RetryBackoffCap) * time.Second
	if base <= 0 {
		base = 10 * time.Second
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && delay > ceiling {
		delay = ceiling
	}
	return delay
}

// startLeaseRenewal heartbeats the delivery lease until the returned stop
// function is called.
func (m *Manager) startLeaseRenewal(ctx context.Context, logger *slog.Logger, messageID int64) func() {
	interval := time.Duration(m.cfg.Workflow.LeaseRenewInterval) * time.Second
	if interval <= 0 {
		return func() {}
	}
	leaseTimeout := time.Duration(m.cfg.Workflow.LeaseTimeout) * time.Second
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.store.RenewLease(ctx, messageID, leaseTimeout); err != nil {
					logger.Warn("lease renewal failed", logging.Error(err))
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (m *Manager) recordAudit(ctx context.Context, logger *slog.Logger, evt audit.Event) {
	if err := m.auditor.Record(ctx, evt); err != nil {
		logger.Warn("audit record dropped",
			logging.String(logging.FieldEventType, evt.Type), logging.Error(err))
	}
}

func (m *Manager) observeTerminal(status queue.Status, started time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.JobsCompleted.WithLabelValues(string(status)).Inc()
	m.metrics.JobDuration.Observe(time.Since(started).Seconds())
}
