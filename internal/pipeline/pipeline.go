// Package pipeline implements the document processing stages a worker runs
// for each claimed job: download, extract, detect-structure, classify,
// export, finalize. Stage handlers share in-memory state through the
// Pipeline; durable outputs go to the artifact store and onto the job row.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"docmill/internal/artifacts"
	"docmill/internal/config"
	"docmill/internal/costs"
	"docmill/internal/extract"
	"docmill/internal/logging"
	"docmill/internal/queue"
	"docmill/internal/stage"
)

// Stage names in execution order.
const (
	StageDownload        = "download"
	StageExtract         = "extract"
	StageDetectStructure = "detect-structure"
	StageClassify        = "classify"
	StageExport          = "export"
	StageFinalize        = "finalize"
)

// StageNames returns the pipeline stages in execution order.
func StageNames() []string {
	return []string{StageDownload, StageExtract, StageDetectStructure, StageClassify, StageExport, StageFinalize}
}

// jobState carries intermediate results between stages of one job.
type jobState struct {
	content      []byte
	result       extract.Result
	costRecordID string
}

// Pipeline owns the stage handlers and the transient per-job state.
type Pipeline struct {
	cfg       *config.Config
	store     *queue.Store
	artifacts artifacts.Store
	extractor extract.Extractor
	ledger    *costs.Ledger
	logger    *slog.Logger

	mu     sync.Mutex
	states map[string]*jobState
}

// New wires a pipeline from its collaborators.
func New(cfg *config.Config, store *queue.Store, artifactStore artifacts.Store, extractor extract.Extractor, ledger *costs.Ledger, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		artifacts: artifactStore,
		extractor: extractor,
		ledger:    ledger,
		logger:    logging.NewComponentLogger(logger, "pipeline"),
		states:    make(map[string]*jobState),
	}
}

// Stages returns the handlers in execution order, paired with their names.
func (p *Pipeline) Stages() []NamedStage {
	return []NamedStage{
		{Name: StageDownload, Handler: &downloadStage{p}},
		{Name: StageExtract, Handler: &extractStage{p}},
		{Name: StageDetectStructure, Handler: &detectStructureStage{p}},
		{Name: StageClassify, Handler: &classifyStage{p}},
		{Name: StageExport, Handler: &exportStage{p}},
		{Name: StageFinalize, Handler: &finalizeStage{p}},
	}
}

// NamedStage pairs a stage handler with its pipeline name.
type NamedStage struct {
	Name    string
	Handler stage.Handler
}

// Health aggregates readiness across stage dependencies.
func (p *Pipeline) Health(ctx context.Context) []stage.Health {
	var out []stage.Health
	for _, s := range p.Stages() {
		out = append(out, s.Handler.HealthCheck(ctx))
	}
	return out
}

// Complete settles the job's cost record as successful with the actual unit
// count and releases transient state. Returns the units billed.
func (p *Pipeline) Complete(ctx context.Context, job *queue.Job) (int64, error) {
	state := p.takeState(job.ID)
	if state == nil || state.costRecordID == "" {
		return 0, nil
	}
	units := state.result.UnitsBilled
	if err := p.ledger.Settle(ctx, state.costRecordID, units, true); err != nil {
		return units, fmt.Errorf("settle cost record: %w", err)
	}
	return units, nil
}

// Abort settles any pending cost record as failed, removes partial outputs,
// and releases transient state. The source artifact is left in place so the
// job can be retried or deleted through the normal workflow.
func (p *Pipeline) Abort(ctx context.Context, job *queue.Job) error {
	state := p.takeState(job.ID)
	var firstErr error
	if state != nil && state.costRecordID != "" {
		if err := p.ledger.Settle(ctx, state.costRecordID, 0, false); err != nil {
			firstErr = fmt.Errorf("settle cost record: %w", err)
		}
	}
	for _, key := range []string{job.ProcessedKey, job.ExportKey} {
		if key == "" {
			continue
		}
		if err := p.artifacts.Delete(ctx, artifacts.Ref{Bucket: job.Bucket, Key: key}); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove partial artifact %s: %w", key, err)
		}
	}
	return firstErr
}

func (p *Pipeline) state(jobID string) *jobState {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.states[jobID]
	if !ok {
		state = &jobState{}
		p.states[jobID] = state
	}
	return state
}

func (p *Pipeline) takeState(jobID string) *jobState {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := p.states[jobID]
	delete(p.states, jobID)
	return state
}
