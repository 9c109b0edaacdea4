package worker_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"docmill/internal/artifacts"
	"docmill/internal/audit"
	"docmill/internal/cancel"
	"docmill/internal/config"
	"docmill/internal/contentid"
	"docmill/internal/costs"
	"docmill/internal/extract"
	"docmill/internal/logging"
	"docmill/internal/pipeline"
	"docmill/internal/progress"
	"docmill/internal/queue"
	"docmill/internal/services"
	"docmill/internal/testsupport"
	"docmill/internal/worker"
)

type harness struct {
	cfg       *config.Config
	store     *queue.Store
	artifacts artifacts.Store
	batcher   *audit.Batcher
	ledger    *costs.Ledger
	checker   *cancel.StoreChecker
	manager   *worker.Manager
}

// failingExtractor fails every call with a transient error.
type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, extract.Document) (extract.Result, error) {
	return extract.Result{}, services.Wrap(services.ErrTransient, "extract", "execute",
		"upstream extractor unavailable", nil)
}

// gatedExtractor announces when extraction begins and then blocks until the
// test releases it or the stage context expires.
type gatedExtractor struct {
	started chan struct{}
	release chan struct{}
}

func newGatedExtractor() *gatedExtractor {
	return &gatedExtractor{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (e *gatedExtractor) Extract(ctx context.Context, doc extract.Document) (extract.Result, error) {
	select {
	case e.started <- struct{}{}:
	default:
	}
	select {
	case <-e.release:
		return extract.Result{
			Text:        string(doc.Content),
			PageCount:   1,
			WordCount:   1,
			UnitsBilled: 1,
		}, nil
	case <-ctx.Done():
		return extract.Result{}, ctx.Err()
	}
}

// stalledExtractor never finishes; it only returns once its context expires.
type stalledExtractor struct{}

func (stalledExtractor) Extract(ctx context.Context, _ extract.Document) (extract.Result, error) {
	<-ctx.Done()
	return extract.Result{}, ctx.Err()
}

func newHarness(t *testing.T, extractor extract.Extractor, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	cfg.Workflow.Workers = 1
	cfg.Workflow.RetryBackoffBase = 1
	store := testsupport.MustOpenStore(t, cfg)
	artifactStore, err := artifacts.NewFilesystemStore(cfg.Paths.ArtifactDir)
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	logger := logging.NewNop()
	batcher := audit.NewBatcher(cfg, audit.NewStore(store.DB()), nil, logger)
	if err := batcher.Start(context.Background()); err != nil {
		t.Fatalf("start batcher: %v", err)
	}
	t.Cleanup(func() { batcher.Stop(context.Background()) })

	ledger := costs.NewLedger(cfg, store.DB(), logger)
	checker := cancel.NewStoreChecker(store)
	hub := progress.NewHub(128)
	publisher := progress.NewPublisher(cfg, store, hub)
	pl := pipeline.New(cfg, store, artifactStore, extractor, ledger, logger)
	manager := worker.NewManager(cfg, store, pl, batcher, checker, publisher, nil, logger)

	return &harness{
		cfg:       cfg,
		store:     store,
		artifacts: artifactStore,
		batcher:   batcher,
		ledger:    ledger,
		checker:   checker,
		manager:   manager,
	}
}

// seedJob persists a queued job whose payload is in the artifact store.
func (h *harness) seedJob(t *testing.T, content []byte) *queue.Job {
	t.Helper()
	job := testsupport.NewJob(t, h.store, queue.LaneDefault)
	job.SourceKey = "source/" + job.ID + "/doc.txt"
	job.RawHash = contentid.Raw(content)
	if err := h.artifacts.Put(context.Background(), artifacts.Ref{Bucket: job.Bucket, Key: job.SourceKey}, content); err != nil {
		t.Fatalf("put source: %v", err)
	}
	if err := h.store.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("update job: %v", err)
	}
	if _, err := h.store.Enqueue(context.Background(), job.ID, job.Lane); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func (h *harness) waitForStatus(t *testing.T, jobID string, want queue.Status, timeout time.Duration) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		job, err := h.store.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck at %s, want %s", jobID, job.Status, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWorkerCompletesJob(t *testing.T) {
	h := newHarness(t, extract.NewLocalExtractor())
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	job := h.seedJob(t, []byte("Invoice\nAmount due: 42\nBill to: ACME\n"))

	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	defer h.manager.Stop()

	done := h.waitForStatus(t, job.ID, queue.StatusCompleted, 10*time.Second)
	if done.ExportKey == "" || done.ProcessedKey == "" {
		t.Fatalf("completed job missing artifacts: %+v", done)
	}
	exists, err := h.artifacts.Exists(context.Background(), artifacts.Ref{Bucket: done.Bucket, Key: done.ExportKey})
	if err != nil || !exists {
		t.Fatalf("export artifact missing: exists=%v err=%v", exists, err)
	}

	// Delivery acknowledged; the cost record is settled successfully.
	depths, err := h.store.QueueDepths(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if depths[queue.LaneDefault] != 0 {
		t.Fatalf("queue depth = %d after completion", depths[queue.LaneDefault])
	}
	records, err := h.ledger.RecordsForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Status != costs.StatusCompleted {
		t.Fatalf("cost records = %+v", records)
	}
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	h := newHarness(t, failingExtractor{}, testsupport.WithMaxAttempts(2))
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	job := h.seedJob(t, []byte("doc\n"))

	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	defer h.manager.Stop()

	h.waitForStatus(t, job.ID, queue.StatusFailed, 15*time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for {
		letters, err := h.store.DeadLetters(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(letters) == 1 {
			if letters[0].JobID != job.ID {
				t.Fatalf("dead letter for job %s, want %s", letters[0].JobID, job.ID)
			}
			if letters[0].FailureKind != string(services.KindTransient) {
				t.Fatalf("failure kind = %q", letters[0].FailureKind)
			}
			break
		}
		if len(letters) > 1 {
			t.Fatalf("dead letters = %d, want exactly 1", len(letters))
		}
		if time.Now().After(deadline) {
			t.Fatal("job never reached the dead-letter queue")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Exhausted work must not charge: the per-attempt reservations settle
	// failed.
	records, err := h.ledger.RecordsForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range records {
		if rec.Status != costs.StatusFailed || rec.CostCents != 0 {
			t.Fatalf("record %+v should be failed with no charge", rec)
		}
	}
}

func TestWorkerHonorsCancellation(t *testing.T) {
	h := newHarness(t, extract.NewLocalExtractor())
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	job := h.seedJob(t, []byte("will be cancelled\n"))
	if _, err := h.store.RequestCancel(context.Background(), job.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	defer h.manager.Stop()

	done := h.waitForStatus(t, job.ID, queue.StatusCancelled, 10*time.Second)
	if done.Status != queue.StatusCancelled {
		t.Fatalf("status = %s", done.Status)
	}

	depths, err := h.store.QueueDepths(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if depths[queue.LaneDefault] != 0 {
		t.Fatal("cancelled delivery must be acknowledged")
	}
}

func TestWorkerIdlesDuringEmergencyStop(t *testing.T) {
	h := newHarness(t, extract.NewLocalExtractor())
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	if err := h.checker.Engage(context.Background()); err != nil {
		t.Fatalf("engage: %v", err)
	}
	job := h.seedJob(t, []byte("parked until resume\n"))

	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	defer h.manager.Stop()

	time.Sleep(1500 * time.Millisecond)
	parked, err := h.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if parked.Status != queue.StatusQueued {
		t.Fatalf("status during stop = %s, want queued", parked.Status)
	}

	if err := h.checker.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	h.waitForStatus(t, job.ID, queue.StatusCompleted, 10*time.Second)
}

func TestWorkerAbortsInFlightOnEmergencyStop(t *testing.T) {
	extractor := newGatedExtractor()
	h := newHarness(t, extractor)
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	job := h.seedJob(t, []byte("caught mid-flight\n"))

	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	defer h.manager.Stop()

	select {
	case <-extractor.started:
	case <-time.After(10 * time.Second):
		t.Fatal("extraction never started")
	}

	// The stop engages while the job is executing; the checkpoint after the
	// extract stage must fold the job rather than let it run to completion.
	if err := h.checker.Engage(context.Background()); err != nil {
		t.Fatalf("engage: %v", err)
	}
	close(extractor.release)

	h.waitForStatus(t, job.ID, queue.StatusCancelled, 10*time.Second)

	depths, err := h.store.QueueDepths(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if depths[queue.LaneDefault] != 0 {
		t.Fatal("aborted delivery must be acknowledged")
	}
	records, err := h.ledger.RecordsForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range records {
		if rec.Status != costs.StatusFailed || rec.CostCents != 0 {
			t.Fatalf("record %+v should be failed with no charge", rec)
		}
	}
}

func TestWorkerRetriesStageTimeout(t *testing.T) {
	h := newHarness(t, stalledExtractor{}, testsupport.WithMaxAttempts(2),
		func(cfg *config.Config) { cfg.Workflow.StageTimeout = 1 })
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	job := h.seedJob(t, []byte("never extracts\n"))

	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	defer h.manager.Stop()

	// The first timed-out attempt is released for retry, not dead-lettered.
	h.waitForStatus(t, job.ID, queue.StatusRetrying, 10*time.Second)
	letters, err := h.store.DeadLetters(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 0 {
		t.Fatalf("first timeout dead-lettered: %+v", letters)
	}

	// The second attempt exhausts the budget and records the timeout kind.
	failed := h.waitForStatus(t, job.ID, queue.StatusFailed, 20*time.Second)
	if failed.ErrorKind != string(services.KindTimeout) {
		t.Fatalf("error kind = %q, want %q", failed.ErrorKind, services.KindTimeout)
	}
	letters, err = h.store.DeadLetters(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 || letters[0].FailureKind != string(services.KindTimeout) {
		t.Fatalf("dead letters = %+v", letters)
	}
}

func TestWorkerFailsJobOverCostCeiling(t *testing.T) {
	h := newHarness(t, extract.NewLocalExtractor(), testsupport.WithCeiling(4))
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	// Three pages at the default unit price is 6 cents against a 4 cent
	// ceiling. The size estimate clears the gate; the billed page count must
	// not.
	job := h.seedJob(t, bytes.Repeat([]byte("ledger overage line\n"), 450))

	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	defer h.manager.Stop()

	failed := h.waitForStatus(t, job.ID, queue.StatusFailed, 10*time.Second)
	if failed.ErrorKind != string(services.KindQuota) {
		t.Fatalf("error kind = %q, want %q", failed.ErrorKind, services.KindQuota)
	}

	letters, err := h.store.DeadLetters(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 || letters[0].FailureKind != string(services.KindQuota) {
		t.Fatalf("dead letters = %+v", letters)
	}

	// No completed spend survives the overage.
	records, err := h.ledger.RecordsForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) == 0 {
		t.Fatal("expected a settled reservation")
	}
	for _, rec := range records {
		if rec.Status != costs.StatusFailed || rec.CostCents != 0 {
			t.Fatalf("record %+v should be failed with no charge", rec)
		}
	}
}

func TestWorkerDropsTerminalReplays(t *testing.T) {
	h := newHarness(t, extract.NewLocalExtractor())
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	job := h.seedJob(t, []byte("already done\n"))
	if _, err := h.store.TransitionStatus(context.Background(), job.ID, queue.StatusQueued, queue.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.TransitionStatus(context.Background(), job.ID, queue.StatusProcessing, queue.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	defer h.manager.Stop()

	// The stale delivery is dropped without rerunning the pipeline.
	deadline := time.Now().Add(10 * time.Second)
	for {
		depths, err := h.store.QueueDepths(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if depths[queue.LaneDefault] == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stale delivery never acknowledged")
		}
		time.Sleep(20 * time.Millisecond)
	}

	records, err := h.ledger.RecordsForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("replay must not reserve cost, found %d records", len(records))
	}
}
