package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateJob persists a new job row. The caller supplies the identifier so
// audit events and enqueue messages can reference it before the insert.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job id is required")
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Lane == "" {
		job.Lane = LaneDefault
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}

	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            id, lane, status, filename, bucket, source_key, processed_key, export_key,
            raw_hash, canonical_hash, actor_id, trace_id, size_bytes, estimated_units,
            error_kind, error_summary, cancel_requested, dedup_of, deletion_manifest,
            progress_stage, progress_percent, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Lane,
		job.Status,
		nullableString(job.Filename),
		nullableString(job.Bucket),
		nullableString(job.SourceKey),
		nullableString(job.ProcessedKey),
		nullableString(job.ExportKey),
		nullableString(job.RawHash),
		nullableString(job.CanonicalHash),
		nullableString(job.ActorID),
		nullableString(job.TraceID),
		job.SizeBytes,
		job.EstimatedUnits,
		nullableString(job.ErrorKind),
		nullableString(job.ErrorSummary),
		boolToInt(job.CancelRequested),
		nullableString(job.DedupOf),
		nullableString(job.ManifestJSON),
		nullableString(job.ProgressStage),
		job.ProgressPercent,
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by identifier. A missing job returns (nil, nil).
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJob persists changes to an existing job row.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	job.UpdatedAt = time.Now().UTC()
	_, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET lane = ?, status = ?, filename = ?, bucket = ?, source_key = ?,
             processed_key = ?, export_key = ?, raw_hash = ?, canonical_hash = ?,
             actor_id = ?, trace_id = ?, size_bytes = ?, estimated_units = ?,
             error_kind = ?, error_summary = ?, cancel_requested = ?, dedup_of = ?,
             deletion_manifest = ?, progress_stage = ?, progress_percent = ?, updated_at = ?
         WHERE id = ?`,
		job.Lane,
		job.Status,
		nullableString(job.Filename),
		nullableString(job.Bucket),
		nullableString(job.SourceKey),
		nullableString(job.ProcessedKey),
		nullableString(job.ExportKey),
		nullableString(job.RawHash),
		nullableString(job.CanonicalHash),
		nullableString(job.ActorID),
		nullableString(job.TraceID),
		job.SizeBytes,
		job.EstimatedUnits,
		nullableString(job.ErrorKind),
		nullableString(job.ErrorSummary),
		boolToInt(job.CancelRequested),
		nullableString(job.DedupOf),
		nullableString(job.ManifestJSON),
		nullableString(job.ProgressStage),
		job.ProgressPercent,
		formatTime(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// FindCompletedByCanonicalHash returns the oldest completed job with a
// matching canonical hash. When actorID is non-empty the match is confined to
// that actor's jobs.
func (s *Store) FindCompletedByCanonicalHash(ctx context.Context, hash, actorID string) (*Job, error) {
	if hash == "" {
		return nil, nil
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE canonical_hash = ? AND status = ? AND dedup_of IS NULL`
	args := []any{hash, StatusCompleted}
	if actorID != "" {
		query += ` AND actor_id = ?`
		args = append(args, actorID)
	}
	query += ` ORDER BY created_at LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by canonical hash: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs filtered by status set (or all jobs when no status is
// provided) ordered by creation time.
func (s *Store) ListJobs(ctx context.Context, statuses ...Status) ([]*Job, error) {
	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Stats returns a count of jobs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates job state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case StatusQueued:
			health.Queued += count
		case StatusProcessing:
			health.Processing += count
		case StatusRetrying:
			health.Retrying += count
		case StatusCompleted:
			health.Completed += count
		case StatusFailed:
			health.Failed += count
		case StatusCancelled:
			health.Cancelled += count
		}
	}
	return health, nil
}

const jobColumns = "id, lane, status, filename, bucket, source_key, processed_key, export_key, raw_hash, canonical_hash, actor_id, trace_id, size_bytes, estimated_units, error_kind, error_summary, cancel_requested, dedup_of, deletion_manifest, progress_stage, progress_percent, created_at, updated_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id              string
		lane            string
		statusStr       string
		filename        sql.NullString
		bucket          sql.NullString
		sourceKey       sql.NullString
		processedKey    sql.NullString
		exportKey       sql.NullString
		rawHash         sql.NullString
		canonicalHash   sql.NullString
		actorID         sql.NullString
		traceID         sql.NullString
		sizeBytes       int64
		estimatedUnits  int64
		errorKind       sql.NullString
		errorSummary    sql.NullString
		cancelRequested sql.NullInt64
		dedupOf         sql.NullString
		manifest        sql.NullString
		progressStage   sql.NullString
		progressPercent sql.NullFloat64
		createdRaw      sql.NullString
		updatedRaw      sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&lane,
		&statusStr,
		&filename,
		&bucket,
		&sourceKey,
		&processedKey,
		&exportKey,
		&rawHash,
		&canonicalHash,
		&actorID,
		&traceID,
		&sizeBytes,
		&estimatedUnits,
		&errorKind,
		&errorSummary,
		&cancelRequested,
		&dedupOf,
		&manifest,
		&progressStage,
		&progressPercent,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:              id,
		Lane:            Lane(lane),
		Status:          Status(statusStr),
		Filename:        filename.String,
		Bucket:          bucket.String,
		SourceKey:       sourceKey.String,
		ProcessedKey:    processedKey.String,
		ExportKey:       exportKey.String,
		RawHash:         rawHash.String,
		CanonicalHash:   canonicalHash.String,
		ActorID:         actorID.String,
		TraceID:         traceID.String,
		SizeBytes:       sizeBytes,
		EstimatedUnits:  estimatedUnits,
		ErrorKind:       errorKind.String,
		ErrorSummary:    errorSummary.String,
		DedupOf:         dedupOf.String,
		ManifestJSON:    manifest.String,
		ProgressStage:   progressStage.String,
		ProgressPercent: progressPercent.Float64,
	}
	if cancelRequested.Valid {
		job.CancelRequested = cancelRequested.Int64 != 0
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = updated
	}
	return job, nil
}
