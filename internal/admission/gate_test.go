package admission_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"docmill/internal/admission"
	"docmill/internal/artifacts"
	"docmill/internal/audit"
	"docmill/internal/config"
	"docmill/internal/costs"
	"docmill/internal/logging"
	"docmill/internal/queue"
	"docmill/internal/services"
	"docmill/internal/testsupport"
)

type gateHarness struct {
	cfg     *config.Config
	store   *queue.Store
	gate    *admission.Gate
	batcher *audit.Batcher
	ledger  *costs.Ledger
}

func newGateHarness(t *testing.T, opts ...testsupport.ConfigOption) *gateHarness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
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
	gate := admission.NewGate(cfg, store, artifactStore, batcher, ledger, nil, logger)
	return &gateHarness{cfg: cfg, store: store, gate: gate, batcher: batcher, ledger: ledger}
}

func TestAdmitRejectsInvalidRequests(t *testing.T) {
	h := newGateHarness(t)
	ctx := context.Background()

	_, err := h.gate.Admit(ctx, admission.Request{Filename: "a.txt"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("empty content: got %v", err)
	}
	_, err = h.gate.Admit(ctx, admission.Request{Content: []byte("hello")})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("missing filename: got %v", err)
	}

	jobs, err := h.store.ListJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("rejected requests must leave no job rows, found %d", len(jobs))
	}
}

func TestAdmitRejectsOverCeilingWithoutARow(t *testing.T) {
	h := newGateHarness(t, testsupport.WithCeiling(1))
	h.cfg.Admission.BytesPerUnit = 10
	h.cfg.Costs.UnitPriceCents = 1
	ctx := context.Background()

	// 100 bytes = 10 units = 10¢ projected against a 1¢ ceiling.
	content := make([]byte, 100)
	for i := range content {
		content[i] = 'x'
	}
	_, err := h.gate.Admit(ctx, admission.Request{Content: content, Filename: "big.txt"})
	if !errors.Is(err, services.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}

	jobs, err := h.store.ListJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("quota rejection must be synchronous with no job row, found %d", len(jobs))
	}
}

func TestAdmitPersistsAndEnqueues(t *testing.T) {
	h := newGateHarness(t)
	ctx := context.Background()

	result, err := h.gate.Admit(ctx, admission.Request{
		Content:  []byte("Invoice\nAmount due: 42\n"),
		Filename: "invoice.txt",
		ActorID:  "alice",
		Priority: queue.LaneHigh,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if result.Deduplicated {
		t.Fatal("first admission must not deduplicate")
	}

	job, err := h.store.GetJob(ctx, result.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != queue.StatusQueued || job.Lane != queue.LaneHigh {
		t.Fatalf("job = %+v", job)
	}
	if job.RawHash == "" || job.CanonicalHash == "" || job.SourceKey == "" {
		t.Fatalf("admission must record hashes and the source key: %+v", job)
	}

	depths, err := h.store.QueueDepths(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depths[queue.LaneHigh] != 1 {
		t.Fatalf("high lane depth = %d, want 1", depths[queue.LaneHigh])
	}
}

func TestAdmitShortCircuitsDuplicates(t *testing.T) {
	h := newGateHarness(t)
	ctx := context.Background()
	content := []byte("Report\nQuarterly numbers\n")

	first, err := h.gate.Admit(ctx, admission.Request{Content: content, Filename: "report.txt", ActorID: "alice"})
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}
	// Simulate the pipeline finishing the first job.
	job, _ := h.store.GetJob(ctx, first.JobID)
	if _, err := h.store.TransitionStatus(ctx, job.ID, queue.StatusQueued, queue.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	job.ExportKey = "export/" + job.ID + "/result.json"
	if err := h.store.UpdateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.TransitionStatus(ctx, job.ID, queue.StatusProcessing, queue.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	// Same content with different line endings: canonicalization must match.
	crlf := []byte("Report\r\nQuarterly numbers\r\n")
	second, err := h.gate.Admit(ctx, admission.Request{Content: crlf, Filename: "report-copy.txt", ActorID: "bob"})
	if err != nil {
		t.Fatalf("second admit: %v", err)
	}
	if !second.Deduplicated || second.DedupOf != first.JobID {
		t.Fatalf("expected dedup of %s, got %+v", first.JobID, second)
	}

	dup, err := h.store.GetJob(ctx, second.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if dup.Status != queue.StatusCompleted {
		t.Fatalf("duplicate status = %s, want completed", dup.Status)
	}
	if dup.ExportKey != job.ExportKey {
		t.Fatalf("duplicate must reference prior artifacts, got %q", dup.ExportKey)
	}

	// One message from the first admission, which was already claimed by
	// nothing here; the duplicate must add zero.
	depths, err := h.store.QueueDepths(ctx)
	if err != nil {
		t.Fatal(err)
	}
	total := depths[queue.LaneHigh] + depths[queue.LaneDefault] + depths[queue.LaneLow]
	if total != 1 {
		t.Fatalf("queue depth = %d, want 1 (duplicate enqueues nothing)", total)
	}

	records, err := h.ledger.RecordsForJob(ctx, second.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("duplicate must create no cost records, found %d", len(records))
	}
}

func TestAdmitScopesDedupToActor(t *testing.T) {
	h := newGateHarness(t)
	h.cfg.Admission.DedupScope = config.DedupScopeActor
	ctx := context.Background()
	content := []byte("Shared template\n")

	first, err := h.gate.Admit(ctx, admission.Request{Content: content, Filename: "a.txt", ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	job, _ := h.store.GetJob(ctx, first.JobID)
	if _, err := h.store.TransitionStatus(ctx, job.ID, queue.StatusQueued, queue.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.TransitionStatus(ctx, job.ID, queue.StatusProcessing, queue.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	second, err := h.gate.Admit(ctx, admission.Request{Content: content, Filename: "b.txt", ActorID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Deduplicated {
		t.Fatal("actor-scoped dedup must not match across actors")
	}

	third, err := h.gate.Admit(ctx, admission.Request{Content: content, Filename: "c.txt", ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if !third.Deduplicated {
		t.Fatal("same actor resubmission must deduplicate")
	}
}

func TestAdmitRecordsAuditTrail(t *testing.T) {
	h := newGateHarness(t)
	ctx := context.Background()

	result, err := h.gate.Admit(ctx, admission.Request{Content: []byte("doc\n"), Filename: "doc.txt"})
	if err != nil {
		t.Fatal(err)
	}
	h.batcher.Stop(ctx)

	auditStore := audit.NewStore(h.store.DB())
	deadline := time.Now().Add(time.Second)
	for {
		count, err := auditStore.Count(ctx, result.JobID)
		if err != nil {
			t.Fatal(err)
		}
		if count == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit events for job = %d, want 1", count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
