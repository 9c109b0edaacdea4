// Package deletion implements the artifact erasure workflow. A deletion
// request captures the job's artifact locators into a manifest at request
// time; an executor removes each locator with bounded retries, and a sweep
// re-drives manifests that stalled.
package deletion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"docmill/internal/artifacts"
	"docmill/internal/audit"
	"docmill/internal/config"
	"docmill/internal/logging"
	"docmill/internal/queue"
	"docmill/internal/services"
)

// Manifest statuses.
const (
	ManifestPending   = "pending"
	ManifestDeleting  = "deleting"
	ManifestCompleted = "completed"
	ManifestFailed    = "failed"
)

// Locator identifies one artifact slated for removal.
type Locator struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	Deleted   bool   `json:"deleted"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// Manifest is the durable record of one deletion request. It is computed
// once, at request time; artifacts produced afterwards are not covered.
type Manifest struct {
	JobID       string     `json:"job_id"`
	Status      string     `json:"status"`
	RequestedBy string     `json:"requested_by,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Locators    []Locator  `json:"locators"`
}

// Terminal reports whether the manifest reached a final state.
func (m Manifest) Terminal() bool {
	return m.Status == ManifestCompleted
}

// Workflow drives deletion manifests from request to completion.
type Workflow struct {
	cfg       *config.Config
	store     *queue.Store
	artifacts artifacts.Store
	auditor   *audit.Batcher
	logger    *slog.Logger

	wg sync.WaitGroup
}

// NewWorkflow wires the deletion workflow.
func NewWorkflow(cfg *config.Config, store *queue.Store, artifactStore artifacts.Store, auditor *audit.Batcher, logger *slog.Logger) *Workflow {
	return &Workflow{
		cfg:       cfg,
		store:     store,
		artifacts: artifactStore,
		auditor:   auditor,
		logger:    logging.NewComponentLogger(logger, "deletion"),
	}
}

// Request records a deletion manifest for the job and starts executing it in
// the background. Calling Request again while a manifest is in flight
// returns the existing manifest unchanged. Active jobs additionally get the
// cancel flag so workers abandon them at the next checkpoint.
func (w *Workflow) Request(ctx context.Context, jobID, actorID string) (Manifest, error) {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return Manifest{}, err
	}
	if job == nil {
		return Manifest{}, services.Wrap(services.ErrValidation, "deletion", "request",
			fmt.Sprintf("job %s not found", jobID), nil)
	}

	if existing, ok := decodeManifest(job.ManifestJSON); ok {
		if existing.Status != ManifestFailed {
			// Pending, deleting, or completed: the request is already
			// covered. Re-requesting never re-captures locators.
			return existing, nil
		}
		// Failed manifests are re-driven rather than recomputed.
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.Execute(context.WithoutCancel(ctx), jobID); err != nil {
				w.logger.Error("deletion retry failed",
					logging.String(logging.FieldJobID, jobID), logging.Error(err))
			}
		}()
		return existing, nil
	}

	manifest := Manifest{
		JobID:       jobID,
		Status:      ManifestPending,
		RequestedBy: actorID,
		RequestedAt: time.Now().UTC(),
		Locators:    w.locatorsFor(job),
	}
	if err := w.saveManifest(ctx, &manifest); err != nil {
		return Manifest{}, err
	}

	if job.IsActive() {
		if _, err := w.store.RequestCancel(ctx, jobID); err != nil {
			return manifest, fmt.Errorf("flag cancellation: %w", err)
		}
	}

	if err := w.auditor.Record(ctx, audit.Event{
		JobID:   jobID,
		Type:    audit.EventDeletionRequested,
		ActorID: actorID,
		Metadata: map[string]any{
			"locator_count": len(manifest.Locators),
		},
	}); err != nil {
		w.logger.Warn("audit record dropped", logging.String(logging.FieldJobID, jobID), logging.Error(err))
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.Execute(context.WithoutCancel(ctx), jobID); err != nil {
			w.logger.Error("deletion execution failed",
				logging.String(logging.FieldJobID, jobID), logging.Error(err))
		}
	}()
	return manifest, nil
}

// Execute drives the job's manifest to a terminal state. Each locator gets
// up to the configured number of attempts with exponential backoff; one
// locator's failure does not stop the others.
func (w *Workflow) Execute(ctx context.Context, jobID string) error {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", jobID)
	}
	manifest, ok := decodeManifest(job.ManifestJSON)
	if !ok {
		return fmt.Errorf("job %s has no deletion manifest", jobID)
	}
	if manifest.Status == ManifestCompleted {
		return nil
	}

	manifest.Status = ManifestDeleting
	if err := w.saveManifest(ctx, &manifest); err != nil {
		return err
	}

	allDeleted := true
	for i := range manifest.Locators {
		loc := &manifest.Locators[i]
		if loc.Deleted {
			continue
		}
		if err := w.deleteLocator(ctx, loc); err != nil {
			allDeleted = false
			w.logger.Warn("locator deletion failed",
				logging.String(logging.FieldJobID, jobID),
				logging.String("key", loc.Key),
				logging.Int("attempts", loc.Attempts),
				logging.Error(err))
		}
	}

	if allDeleted {
		now := time.Now().UTC()
		manifest.Status = ManifestCompleted
		manifest.CompletedAt = &now
	} else {
		manifest.Status = ManifestFailed
	}
	if err := w.saveManifest(ctx, &manifest); err != nil {
		return err
	}

	if allDeleted {
		if err := w.auditor.Record(ctx, audit.Event{
			JobID: jobID,
			Type:  audit.EventDeletionCompleted,
			Metadata: map[string]any{
				"locator_count": len(manifest.Locators),
			},
		}); err != nil {
			w.logger.Warn("audit record dropped", logging.String(logging.FieldJobID, jobID), logging.Error(err))
		}
		w.logger.Info("deletion completed",
			logging.String(logging.FieldJobID, jobID),
			logging.Int("locators", len(manifest.Locators)))
		return nil
	}
	return fmt.Errorf("deletion of job %s left undeleted locators", jobID)
}

// Sweep re-drives manifests that have not reached completion and are older
// than the configured age. Returns how many manifests it retried.
func (w *Workflow) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(w.cfg.Deletion.SweepAge) * time.Second)
	jobs, err := w.store.JobsWithManifests(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, job := range jobs {
		manifest, ok := decodeManifest(job.ManifestJSON)
		if !ok || manifest.Status == ManifestCompleted {
			continue
		}
		retried++
		if err := w.Execute(ctx, job.ID); err != nil {
			w.logger.Warn("sweep retry failed",
				logging.String(logging.FieldJobID, job.ID), logging.Error(err))
		}
	}
	return retried, nil
}

// Wait blocks until in-flight background executions finish.
func (w *Workflow) Wait() {
	w.wg.Wait()
}

// Manifest returns the job's current manifest, if any.
func (w *Workflow) Manifest(ctx context.Context, jobID string) (Manifest, bool, error) {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return Manifest{}, false, err
	}
	if job == nil {
		return Manifest{}, false, nil
	}
	manifest, ok := decodeManifest(job.ManifestJSON)
	return manifest, ok, nil
}

func (w *Workflow) deleteLocator(ctx context.Context, loc *Locator) error {
	maxAttempts := w.cfg.Deletion.LocatorAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := time.Second
	var lastErr error
	// loc.Attempts accumulates across sweep retries; each run gets a fresh
	// attempt budget.
	for try := 0; try < maxAttempts; try++ {
		loc.Attempts++
		err := w.artifacts.Delete(ctx, artifacts.Ref{Bucket: loc.Bucket, Key: loc.Key})
		if err == nil {
			loc.Deleted = true
			loc.LastError = ""
			return nil
		}
		lastErr = err
		loc.LastError = err.Error()
		if try == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// locatorsFor captures the artifact keys owned by the job. A deduplicated
// job shares its artifacts with the prior job it references, so it owns
// nothing and its manifest completes trivially.
func (w *Workflow) locatorsFor(job *queue.Job) []Locator {
	if job.DedupOf != "" {
		return nil
	}
	keys := job.ArtifactKeys()
	locators := make([]Locator, 0, len(keys))
	for _, key := range keys {
		locators = append(locators, Locator{Bucket: job.Bucket, Key: key})
	}
	return locators
}

func (w *Workflow) saveManifest(ctx context.Context, manifest *Manifest) error {
	encoded, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := w.store.SetManifest(ctx, manifest.JobID, string(encoded)); err != nil {
		return err
	}
	return nil
}

func decodeManifest(raw string) (Manifest, bool) {
	if raw == "" {
		return Manifest{}, false
	}
	var manifest Manifest
	if err := json.Unmarshal([]byte(raw), &manifest); err != nil {
		return Manifest{}, false
	}
	return manifest, true
}
