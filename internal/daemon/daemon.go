// Package daemon composes the pipeline services into a single-instance
// background process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"docmill/internal/admission"
	"docmill/internal/artifacts"
	"docmill/internal/audit"
	"docmill/internal/cancel"
	"docmill/internal/config"
	"docmill/internal/costs"
	"docmill/internal/deletion"
	"docmill/internal/extract"
	"docmill/internal/logging"
	"docmill/internal/metrics"
	"docmill/internal/pipeline"
	"docmill/internal/progress"
	"docmill/internal/queue"
	"docmill/internal/worker"
)

// Daemon owns every long-running component and enforces single-instance
// execution through a lock file.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *queue.Store
	artifacts artifacts.Store
	auditor   *audit.Batcher
	ledger    *costs.Ledger
	checker   *cancel.StoreChecker
	publisher *progress.Publisher
	gate      *admission.Gate
	deletions *deletion.Workflow
	workers   *worker.Manager
	metrics   *metrics.Metrics
	metricsrv *metrics.Server

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the daemon and all of its components from configuration. The
// store must already be open; the daemon takes ownership of closing it.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || logger == nil {
		return nil, errors.New("daemon requires config, store, and logger")
	}

	artifactStore, err := artifacts.NewFilesystemStore(cfg.Paths.ArtifactDir)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	var journal *audit.Journal
	if cfg.Audit.DurableMode == config.DurableModeJournal {
		journal, err = audit.OpenJournal(cfg.Paths.SpoolDir)
		if err != nil {
			return nil, fmt.Errorf("audit journal: %w", err)
		}
	}
	auditStore := audit.NewStore(store.DB())
	auditor := audit.NewBatcher(cfg, auditStore, journal, logger)

	m := metrics.New()
	auditor.SetObserver(flushObserver{m})

	ledger := costs.NewLedger(cfg, store.DB(), logger)
	checker := cancel.NewStoreChecker(store)
	hub := progress.NewHub(4096)
	publisher := progress.NewPublisher(cfg, store, hub)
	extractor := extract.NewLocalExtractor()
	pl := pipeline.New(cfg, store, artifactStore, extractor, ledger, logger)
	gate := admission.NewGate(cfg, store, artifactStore, auditor, ledger, m, logger)
	deletions := deletion.NewWorkflow(cfg, store, artifactStore, auditor, logger)
	workers := worker.NewManager(cfg, store, pl, auditor, checker, publisher, m, logger)
	metricsrv := metrics.NewServer(cfg.Paths.MetricsBind, store, m, workers, logger)

	lockPath := filepath.Join(cfg.Paths.DataDir, "docmilld.lock")
	return &Daemon{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "daemon"),
		store:     store,
		artifacts: artifactStore,
		auditor:   auditor,
		ledger:    ledger,
		checker:   checker,
		publisher: publisher,
		gate:      gate,
		deletions: deletions,
		workers:   workers,
		metrics:   m,
		metricsrv: metricsrv,
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
	}, nil
}

// Gate exposes the admission gate for local submissions.
func (d *Daemon) Gate() *admission.Gate {
	return d.gate
}

// Deletions exposes the deletion workflow.
func (d *Daemon) Deletions() *deletion.Workflow {
	return d.deletions
}

// Start acquires the instance lock and launches every component.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another docmill daemon instance is already running")
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	d.cancel = cancelRun

	if err := d.auditor.Start(runCtx); err != nil {
		d.teardownAfterFailedStart()
		return fmt.Errorf("start audit batcher: %w", err)
	}
	d.publisher.Start(runCtx)
	if err := d.workers.Start(runCtx); err != nil {
		d.teardownAfterFailedStart()
		return fmt.Errorf("start workers: %w", err)
	}
	if err := d.metricsrv.Start(); err != nil {
		d.teardownAfterFailedStart()
		return fmt.Errorf("start metrics server: %w", err)
	}

	d.wg.Add(1)
	go d.sweepLoop(runCtx)

	d.running.Store(true)
	d.logger.Info("daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop shuts every component down in dependency order and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()

	d.workers.Stop()
	d.deletions.Wait()
	d.publisher.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	d.auditor.Stop(shutdownCtx)
	if err := d.metricsrv.Stop(shutdownCtx); err != nil {
		d.logger.Warn("metrics server shutdown failed", logging.Error(err))
	}

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close stops the daemon and closes the store.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}

// Run starts the daemon and blocks until the context ends.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	d.Stop()
	return nil
}

// sweepLoop runs the periodic maintenance passes: cost reconciliation,
// deletion retries, and queue depth gauges share one cadence.
func (d *Daemon) sweepLoop(ctx context.Context) {
	defer d.wg.Done()
	interval := time.Duration(d.cfg.Workflow.SweepInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.ledger.Reconcile(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("cost reconcile failed", logging.Error(err))
			}
			if _, err := d.deletions.Sweep(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("deletion sweep failed", logging.Error(err))
			}
			d.metricsrv.ObserveQueueDepths(ctx)
		}
	}
}

func (d *Daemon) teardownAfterFailedStart() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	_ = d.lock.Unlock()
}

// flushObserver adapts audit flush outcomes onto Prometheus counters.
type flushObserver struct {
	m *metrics.Metrics
}

func (o flushObserver) FlushSucceeded() { o.m.AuditFlushes.Inc() }
func (o flushObserver) FlushFailed()    { o.m.AuditFlushErrors.Inc() }
