package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"docmill/internal/artifacts"
	"docmill/internal/contentid"
	"docmill/internal/extract"
	"docmill/internal/queue"
	"docmill/internal/services"
	"docmill/internal/stage"
)

// downloadStage pulls the source payload from the artifact store and checks
// its integrity against the hash recorded at admission.
type downloadStage struct {
	p *Pipeline
}

func (s *downloadStage) Prepare(ctx context.Context, job *queue.Job) error {
	if job.SourceKey == "" {
		return services.Wrap(services.ErrValidation, StageDownload, "prepare",
			"job has no source artifact key", nil)
	}
	return nil
}

func (s *downloadStage) Execute(ctx context.Context, job *queue.Job) error {
	ref := artifacts.Ref{Bucket: job.Bucket, Key: job.SourceKey}
	data, err := s.p.artifacts.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			return services.Wrap(services.ErrFatal, StageDownload, "fetch source",
				fmt.Sprintf("source artifact %s is missing", ref), err)
		}
		return services.Wrap(services.ErrTransient, StageDownload, "fetch source",
			"could not read source artifact", err)
	}
	if job.RawHash != "" && contentid.Raw(data) != job.RawHash {
		return services.Wrap(services.ErrFatal, StageDownload, "verify source",
			"source artifact content does not match the hash recorded at admission", nil)
	}
	s.p.state(job.ID).content = data
	return nil
}

func (s *downloadStage) HealthCheck(ctx context.Context) stage.Health {
	probe := artifacts.Ref{Bucket: "health", Key: "probe"}
	if _, err := s.p.artifacts.Exists(ctx, probe); err != nil {
		return stage.Unhealthy(StageDownload, err.Error())
	}
	return stage.Healthy(StageDownload)
}

// extractStage reserves cost for the estimated work, then runs the
// extractor. The reservation fails fast when the job would blow through its
// cost ceiling, before any provider is called.
type extractStage struct {
	p *Pipeline
}

func (s *extractStage) Prepare(ctx context.Context, job *queue.Job) error {
	recordID, err := s.p.ledger.Reserve(ctx, job.ID, job.ActorID, "extractor", job.EstimatedUnits)
	if err != nil {
		return err
	}
	s.p.state(job.ID).costRecordID = recordID
	return nil
}

func (s *extractStage) Execute(ctx context.Context, job *queue.Job) error {
	state := s.p.state(job.ID)
	if len(state.content) == 0 {
		return services.Wrap(services.ErrFatal, StageExtract, "execute",
			"no downloaded content for job", nil)
	}
	result, err := s.p.extractor.Extract(ctx, extract.Document{
		JobID:    job.ID,
		Filename: job.Filename,
		Content:  state.content,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return services.Wrap(services.ErrTransient, StageExtract, "execute",
			"extractor failed", err)
	}
	// The reservation was made against a size estimate; the extractor bills
	// per page. Re-verify the ceiling with the real unit count before the
	// work is allowed to continue.
	if err := s.p.ledger.CheckActualCost(ctx, job.ID, result.UnitsBilled); err != nil {
		return err
	}
	state.result = result

	key := path.Join("processed", job.ID, "text.txt")
	if err := s.p.artifacts.Put(ctx, artifacts.Ref{Bucket: job.Bucket, Key: key}, []byte(result.Text)); err != nil {
		return services.Wrap(services.ErrTransient, StageExtract, "store text",
			"could not persist extracted text", err)
	}
	job.ProcessedKey = key
	return s.p.store.UpdateJob(ctx, job)
}

func (s *extractStage) HealthCheck(ctx context.Context) stage.Health {
	if s.p.extractor == nil {
		return stage.Unhealthy(StageExtract, "no extractor configured")
	}
	return stage.Healthy(StageExtract)
}

// detectStructureStage derives section structure from the extracted text.
type detectStructureStage struct {
	p *Pipeline
}

func (s *detectStructureStage) Prepare(ctx context.Context, job *queue.Job) error {
	return nil
}

func (s *detectStructureStage) Execute(ctx context.Context, job *queue.Job) error {
	state := s.p.state(job.ID)
	if state.result.Text == "" {
		return services.Wrap(services.ErrFatal, StageDetectStructure, "execute",
			"no extracted text for job", nil)
	}
	// The local extractor already returns sections; an external one may not.
	if len(state.result.Sections) == 0 {
		state.result.Sections = []string{job.Filename}
	}
	return nil
}

func (s *detectStructureStage) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(StageDetectStructure)
}

// classifyStage assigns the document label used for export routing.
type classifyStage struct {
	p *Pipeline
}

func (s *classifyStage) Prepare(ctx context.Context, job *queue.Job) error {
	return nil
}

func (s *classifyStage) Execute(ctx context.Context, job *queue.Job) error {
	state := s.p.state(job.ID)
	if state.result.Label == "" {
		state.result.Label = "document"
	}
	return nil
}

func (s *classifyStage) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(StageClassify)
}

// exportBundle is the final artifact shape consumers read.
type exportBundle struct {
	JobID     string   `json:"job_id"`
	Filename  string   `json:"filename"`
	Label     string   `json:"label"`
	PageCount int      `json:"page_count"`
	WordCount int      `json:"word_count"`
	Sections  []string `json:"sections"`
	TextKey   string   `json:"text_key"`
}

// exportStage assembles the result bundle and stores it under the export key.
type exportStage struct {
	p *Pipeline
}

func (s *exportStage) Prepare(ctx context.Context, job *queue.Job) error {
	if job.ProcessedKey == "" {
		return services.Wrap(services.ErrFatal, StageExport, "prepare",
			"no processed artifact to export", nil)
	}
	return nil
}

func (s *exportStage) Execute(ctx context.Context, job *queue.Job) error {
	state := s.p.state(job.ID)
	bundle := exportBundle{
		JobID:     job.ID,
		Filename:  job.Filename,
		Label:     state.result.Label,
		PageCount: state.result.PageCount,
		WordCount: state.result.WordCount,
		Sections:  state.result.Sections,
		TextKey:   job.ProcessedKey,
	}
	payload, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return services.Wrap(services.ErrFatal, StageExport, "encode bundle",
			"could not encode export bundle", err)
	}
	key := path.Join("export", job.ID, "result.json")
	if err := s.p.artifacts.Put(ctx, artifacts.Ref{Bucket: job.Bucket, Key: key}, payload); err != nil {
		return services.Wrap(services.ErrTransient, StageExport, "store bundle",
			"could not persist export bundle", err)
	}
	job.ExportKey = key
	return s.p.store.UpdateJob(ctx, job)
}

func (s *exportStage) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy(StageExport)
}

// finalizeStage verifies the export bundle landed before the job is marked
// complete.
type finalizeStage struct {
	p *Pipeline
}

func (s *finalizeStage) Prepare(ctx context.Context, job *queue.Job) error {
	return nil
}

func (s *finalizeStage) Execute(ctx context.Context, job *queue.Job) error {
	if job.ExportKey == "" {
		return services.Wrap(services.ErrFatal, StageFinalize, "execute",
			"job reached finalize without an export artifact", nil)
	}
	ok, err := s.p.artifacts.Exists(ctx, artifacts.Ref{Bucket: job.Bucket, Key: job.ExportKey})
	if err != nil {
		return services.Wrap(services.ErrTransient, StageFinalize, "verify export",
			"could not verify export artifact", err)
	}
	if !ok {
		return services.Wrap(services.ErrFatal, StageFinalize, "verify export",
			"export artifact is missing", nil)
	}
	return nil
}

func (s *finalizeStage) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(StageFinalize)
}
