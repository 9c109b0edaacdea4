package deletion_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"docmill/internal/artifacts"
	"docmill/internal/audit"
	"docmill/internal/config"
	"docmill/internal/deletion"
	"docmill/internal/logging"
	"docmill/internal/queue"
	"docmill/internal/services"
	"docmill/internal/testsupport"
)

// flakyStore fails deletes while broken is set.
type flakyStore struct {
	artifacts.Store

	mu     sync.Mutex
	broken bool
}

func (s *flakyStore) setBroken(broken bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken = broken
}

func (s *flakyStore) Delete(ctx context.Context, ref artifacts.Ref) error {
	s.mu.Lock()
	broken := s.broken
	s.mu.Unlock()
	if broken {
		return errors.New("backing store unavailable")
	}
	return s.Store.Delete(ctx, ref)
}

type deletionHarness struct {
	cfg       *config.Config
	store     *queue.Store
	artifacts *flakyStore
	workflow  *deletion.Workflow
}

func newDeletionHarness(t *testing.T) *deletionHarness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Deletion.LocatorAttempts = 1
	cfg.Deletion.SweepAge = 0
	store := testsupport.MustOpenStore(t, cfg)
	fs, err := artifacts.NewFilesystemStore(cfg.Paths.ArtifactDir)
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	flaky := &flakyStore{Store: fs}
	logger := logging.NewNop()
	batcher := audit.NewBatcher(cfg, audit.NewStore(store.DB()), nil, logger)
	if err := batcher.Start(context.Background()); err != nil {
		t.Fatalf("start batcher: %v", err)
	}
	t.Cleanup(func() { batcher.Stop(context.Background()) })
	return &deletionHarness{
		cfg:       cfg,
		store:     store,
		artifacts: flaky,
		workflow:  deletion.NewWorkflow(cfg, store, flaky, batcher, logger),
	}
}

// seedCompletedJob persists a completed job with source, processed, and
// export artifacts.
func (h *deletionHarness) seedCompletedJob(t *testing.T) *queue.Job {
	t.Helper()
	ctx := context.Background()
	job := testsupport.NewJob(t, h.store, queue.LaneDefault)
	job.Status = queue.StatusCompleted
	job.SourceKey = "source/" + job.ID + "/doc.txt"
	job.ProcessedKey = "processed/" + job.ID + "/text.txt"
	job.ExportKey = "export/" + job.ID + "/result.json"
	if err := h.store.UpdateJob(ctx, job); err != nil {
		t.Fatalf("update job: %v", err)
	}
	for _, key := range job.ArtifactKeys() {
		if err := h.artifacts.Put(ctx, artifacts.Ref{Bucket: job.Bucket, Key: key}, []byte("x")); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	return job
}

func TestRequestDeletesAllArtifacts(t *testing.T) {
	h := newDeletionHarness(t)
	ctx := context.Background()
	job := h.seedCompletedJob(t)

	manifest, err := h.workflow.Request(ctx, job.ID, "dpo")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(manifest.Locators) != 3 {
		t.Fatalf("locators = %d, want 3", len(manifest.Locators))
	}
	if manifest.RequestedBy != "dpo" {
		t.Fatalf("requested_by = %q", manifest.RequestedBy)
	}
	h.workflow.Wait()

	final, ok, err := h.workflow.Manifest(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("manifest: ok=%v err=%v", ok, err)
	}
	if final.Status != deletion.ManifestCompleted {
		t.Fatalf("status = %s", final.Status)
	}
	if final.CompletedAt == nil {
		t.Fatal("completed manifest missing completion time")
	}
	for _, loc := range final.Locators {
		if !loc.Deleted {
			t.Fatalf("locator %s not deleted", loc.Key)
		}
		exists, err := h.artifacts.Exists(ctx, artifacts.Ref{Bucket: loc.Bucket, Key: loc.Key})
		if err != nil {
			t.Fatal(err)
		}
		if exists {
			t.Fatalf("artifact %s still present", loc.Key)
		}
	}
}

func TestRequestUnknownJobIsValidationError(t *testing.T) {
	h := newDeletionHarness(t)
	_, err := h.workflow.Request(context.Background(), "no-such-job", "dpo")
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("error = %v, want validation", err)
	}
}

func TestDeduplicatedJobCompletesWithEmptyManifest(t *testing.T) {
	h := newDeletionHarness(t)
	ctx := context.Background()

	original := h.seedCompletedJob(t)
	dup := testsupport.NewJob(t, h.store, queue.LaneDefault)
	dup.Status = queue.StatusCompleted
	dup.DedupOf = original.ID
	dup.ExportKey = original.ExportKey
	if err := h.store.UpdateJob(ctx, dup); err != nil {
		t.Fatalf("update job: %v", err)
	}

	if _, err := h.workflow.Request(ctx, dup.ID, "dpo"); err != nil {
		t.Fatalf("request: %v", err)
	}
	h.workflow.Wait()

	manifest, ok, err := h.workflow.Manifest(ctx, dup.ID)
	if err != nil || !ok {
		t.Fatalf("manifest: ok=%v err=%v", ok, err)
	}
	if manifest.Status != deletion.ManifestCompleted {
		t.Fatalf("status = %s", manifest.Status)
	}
	if len(manifest.Locators) != 0 {
		t.Fatalf("deduplicated job owns %d locators, want 0", len(manifest.Locators))
	}

	// The shared artifacts stay: they belong to the original job.
	exists, err := h.artifacts.Exists(ctx, artifacts.Ref{Bucket: original.Bucket, Key: original.ExportKey})
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatal("shared artifact removed by deduplicated job's deletion")
	}
}

func TestRequestIsIdempotent(t *testing.T) {
	h := newDeletionHarness(t)
	ctx := context.Background()
	job := h.seedCompletedJob(t)

	first, err := h.workflow.Request(ctx, job.ID, "dpo")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	h.workflow.Wait()

	second, err := h.workflow.Request(ctx, job.ID, "someone-else")
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	h.workflow.Wait()
	if second.RequestedBy != first.RequestedBy {
		t.Fatalf("second request recomputed the manifest: %+v", second)
	}
	if !second.RequestedAt.Equal(first.RequestedAt) {
		t.Fatalf("requested_at changed: %v vs %v", second.RequestedAt, first.RequestedAt)
	}
}

func TestRequestFlagsActiveJobForCancellation(t *testing.T) {
	h := newDeletionHarness(t)
	ctx := context.Background()
	job := testsupport.NewJob(t, h.store, queue.LaneDefault)

	if _, err := h.workflow.Request(ctx, job.ID, "dpo"); err != nil {
		t.Fatalf("request: %v", err)
	}
	h.workflow.Wait()

	cancelled, err := h.store.CancelRequested(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !cancelled {
		t.Fatal("active job not flagged for cancellation")
	}
}

func TestSweepRedrivesFailedManifests(t *testing.T) {
	h := newDeletionHarness(t)
	ctx := context.Background()
	job := h.seedCompletedJob(t)

	h.artifacts.setBroken(true)
	if _, err := h.workflow.Request(ctx, job.ID, "dpo"); err != nil {
		t.Fatalf("request: %v", err)
	}
	h.workflow.Wait()

	failed, ok, err := h.workflow.Manifest(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("manifest: ok=%v err=%v", ok, err)
	}
	if failed.Status != deletion.ManifestFailed {
		t.Fatalf("status = %s, want failed", failed.Status)
	}
	for _, loc := range failed.Locators {
		if loc.Deleted || loc.Attempts == 0 || loc.LastError == "" {
			t.Fatalf("failed locator not recorded: %+v", loc)
		}
	}

	h.artifacts.setBroken(false)
	retried, err := h.workflow.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if retried != 1 {
		t.Fatalf("sweep retried %d manifests, want 1", retried)
	}

	final, _, err := h.workflow.Manifest(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != deletion.ManifestCompleted {
		t.Fatalf("status after sweep = %s", final.Status)
	}
	// Attempts accumulate across runs.
	for _, loc := range final.Locators {
		if loc.Attempts < 2 {
			t.Fatalf("locator %s attempts = %d, want cumulative count", loc.Key, loc.Attempts)
		}
	}
}
