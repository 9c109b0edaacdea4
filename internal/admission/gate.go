// Package admission validates incoming documents and decides whether they
// need processing at all. The gate is the only writer of new job rows:
// everything that reaches a worker went through Admit first.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"docmill/internal/artifacts"
	"docmill/internal/audit"
	"docmill/internal/config"
	"docmill/internal/contentid"
	"docmill/internal/costs"
	"docmill/internal/logging"
	"docmill/internal/metrics"
	"docmill/internal/queue"
	"docmill/internal/services"
)

// defaultBucket is used when a request does not name one.
const defaultBucket = "documents"

// maxFilenameLength bounds stored filenames.
const maxFilenameLength = 255

// Request is one document submitted for processing.
type Request struct {
	Content       []byte
	Filename      string
	Bucket        string
	ActorID       string
	TraceID       string
	SourceAddress string
	Priority      queue.Lane
}

// Result reports what the gate did with a request.
type Result struct {
	JobID        string
	Lane         queue.Lane
	Deduplicated bool
	// DedupOf is the prior completed job the new one references, when
	// Deduplicated is true.
	DedupOf string
}

// Gate admits documents into the processing queue.
type Gate struct {
	cfg       *config.Config
	store     *queue.Store
	artifacts artifacts.Store
	auditor   *audit.Batcher
	ledger    *costs.Ledger
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewGate wires the admission gate. metrics may be nil in tests.
func NewGate(cfg *config.Config, store *queue.Store, artifactStore artifacts.Store, auditor *audit.Batcher, ledger *costs.Ledger, m *metrics.Metrics, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:       cfg,
		store:     store,
		artifacts: artifactStore,
		auditor:   auditor,
		ledger:    ledger,
		metrics:   m,
		logger:    logging.NewComponentLogger(logger, "admission"),
	}
}

// Admit validates a request, short-circuits duplicates of previously
// completed work, and otherwise persists and enqueues a new job. Validation
// and quota failures are synchronous and leave no job row behind.
func (g *Gate) Admit(ctx context.Context, req Request) (Result, error) {
	if err := g.validate(req); err != nil {
		return Result{}, err
	}

	jobID := uuid.NewString()
	estimatedUnits := g.estimateUnits(int64(len(req.Content)))
	if err := g.ledger.CheckCeiling(ctx, jobID, estimatedUnits); err != nil {
		return Result{}, err
	}

	rawHash := contentid.Raw(req.Content)
	canonicalHash := rawHash
	if g.cfg.Admission.NormalizeContent {
		if hash, ok := contentid.Canonical(req.Content); ok {
			canonicalHash = hash
		}
	}

	lane := req.Priority
	if lane == "" {
		lane = queue.LaneDefault
	}
	bucket := req.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}

	if g.cfg.Admission.DedupEnabled {
		prior, err := g.findDuplicate(ctx, canonicalHash, req.ActorID)
		if err != nil {
			return Result{}, err
		}
		if prior != nil {
			return g.admitDuplicate(ctx, jobID, lane, rawHash, canonicalHash, estimatedUnits, req, prior)
		}
	}

	sourceKey := path.Join("source", jobID, sanitizeFilename(req.Filename))
	if err := g.artifacts.Put(ctx, artifacts.Ref{Bucket: bucket, Key: sourceKey}, req.Content); err != nil {
		return Result{}, fmt.Errorf("store source payload: %w", err)
	}

	now := time.Now().UTC()
	job := &queue.Job{
		ID:             jobID,
		Lane:           lane,
		Status:         queue.StatusQueued,
		Filename:       req.Filename,
		Bucket:         bucket,
		SourceKey:      sourceKey,
		RawHash:        rawHash,
		CanonicalHash:  canonicalHash,
		ActorID:        req.ActorID,
		TraceID:        req.TraceID,
		SizeBytes:      int64(len(req.Content)),
		EstimatedUnits: estimatedUnits,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := g.store.CreateJob(ctx, job); err != nil {
		return Result{}, fmt.Errorf("persist job: %w", err)
	}
	if _, err := g.store.Enqueue(ctx, jobID, lane); err != nil {
		return Result{}, fmt.Errorf("enqueue job: %w", err)
	}
	if g.metrics != nil {
		g.metrics.JobsEnqueued.WithLabelValues(string(lane)).Inc()
	}

	if err := g.auditor.Record(ctx, audit.Event{
		JobID:         jobID,
		Type:          audit.EventJobQueued,
		ActorID:       req.ActorID,
		SourceAddress: req.SourceAddress,
		TraceID:       req.TraceID,
		Metadata: map[string]any{
			"lane":            string(lane),
			"filename":        req.Filename,
			"size_bytes":      int64(len(req.Content)),
			"estimated_units": estimatedUnits,
		},
	}); err != nil {
		g.logger.Warn("audit record dropped", logging.String(logging.FieldJobID, jobID), logging.Error(err))
	}

	g.logger.Info("job admitted",
		logging.String(logging.FieldJobID, jobID),
		logging.String(logging.FieldLane, string(lane)),
		logging.String("filename", req.Filename),
		logging.Int64("size_bytes", int64(len(req.Content))))
	return Result{JobID: jobID, Lane: lane}, nil
}

// admitDuplicate records a new job that completes immediately, pointing at
// the prior job's artifacts. Nothing is enqueued and no cost is reserved.
func (g *Gate) admitDuplicate(ctx context.Context, jobID string, lane queue.Lane, rawHash, canonicalHash string, estimatedUnits int64, req Request, prior *queue.Job) (Result, error) {
	now := time.Now().UTC()
	job := &queue.Job{
		ID:             jobID,
		Lane:           lane,
		Status:         queue.StatusCompleted,
		Filename:       req.Filename,
		Bucket:         prior.Bucket,
		SourceKey:      prior.SourceKey,
		ProcessedKey:   prior.ProcessedKey,
		ExportKey:      prior.ExportKey,
		RawHash:        rawHash,
		CanonicalHash:  canonicalHash,
		ActorID:        req.ActorID,
		TraceID:        req.TraceID,
		SizeBytes:      int64(len(req.Content)),
		EstimatedUnits: estimatedUnits,
		DedupOf:        prior.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := g.store.CreateJob(ctx, job); err != nil {
		return Result{}, fmt.Errorf("persist deduplicated job: %w", err)
	}

	if err := g.auditor.Record(ctx, audit.Event{
		JobID:         jobID,
		Type:          audit.EventJobCompleted,
		ActorID:       req.ActorID,
		SourceAddress: req.SourceAddress,
		TraceID:       req.TraceID,
		Metadata: map[string]any{
			"deduplicated": true,
			"dedup_of":     prior.ID,
			"filename":     req.Filename,
		},
	}); err != nil {
		g.logger.Warn("audit record dropped", logging.String(logging.FieldJobID, jobID), logging.Error(err))
	}

	g.logger.Info("duplicate admitted as completed",
		logging.String(logging.FieldJobID, jobID),
		logging.String("dedup_of", prior.ID))
	return Result{JobID: jobID, Lane: lane, Deduplicated: true, DedupOf: prior.ID}, nil
}

func (g *Gate) findDuplicate(ctx context.Context, canonicalHash, actorID string) (*queue.Job, error) {
	scope := ""
	if g.cfg.Admission.DedupScope == config.DedupScopeActor {
		scope = actorID
	}
	prior, err := g.store.FindCompletedByCanonicalHash(ctx, canonicalHash, scope)
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	return prior, nil
}

func (g *Gate) validate(req Request) error {
	if len(req.Content) == 0 {
		return services.Wrap(services.ErrValidation, "admission", "validate",
			"document content is empty", nil)
	}
	if strings.TrimSpace(req.Filename) == "" {
		return services.Wrap(services.ErrValidation, "admission", "validate",
			"filename is required", nil)
	}
	if len(req.Filename) > maxFilenameLength {
		return services.Wrap(services.ErrValidation, "admission", "validate",
			fmt.Sprintf("filename exceeds %d characters", maxFilenameLength), nil)
	}
	return nil
}

func (g *Gate) estimateUnits(sizeBytes int64) int64 {
	perUnit := g.cfg.Admission.BytesPerUnit
	if perUnit <= 0 {
		perUnit = 1 << 20
	}
	units := (sizeBytes + perUnit - 1) / perUnit
	if units < 1 {
		units = 1
	}
	return units
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "" || name == "." || name == "/" {
		return "document"
	}
	return name
}
