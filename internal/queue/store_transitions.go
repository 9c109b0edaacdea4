package queue

import (
	"context"
	"fmt"
	"time"
)

// TransitionStatus performs an optimistic status transition guarded by the
// expected prior status. It returns false without error when the job was not
// in the expected status, which lets at-least-once redeliveries detect that
// another delivery already advanced the job.
func (s *Store) TransitionStatus(ctx context.Context, jobID string, from, to Status) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to,
		formatTime(time.Now().UTC()),
		jobID,
		from,
	)
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkFailed transitions a job to failed with its error classification. Only
// non-terminal jobs are affected.
func (s *Store) MarkFailed(ctx context.Context, jobID, kind, summary string) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, error_kind = ?, error_summary = ?, updated_at = ?
         WHERE id = ? AND status NOT IN (?, ?, ?)`,
		StatusFailed,
		nullableString(kind),
		nullableString(summary),
		formatTime(time.Now().UTC()),
		jobID,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
	)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// MarkCancelled transitions a non-terminal job to cancelled.
func (s *Store) MarkCancelled(ctx context.Context, jobID string) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, error_kind = NULL, error_summary = NULL, updated_at = ?
         WHERE id = ? AND status NOT IN (?, ?, ?)`,
		StatusCancelled,
		formatTime(time.Now().UTC()),
		jobID,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
	)
	if err != nil {
		return false, fmt.Errorf("mark cancelled: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// RequestCancel sets the cooperative cancellation flag on an active job.
// Terminal jobs are left untouched.
func (s *Store) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET cancel_requested = 1, updated_at = ?
         WHERE id = ? AND status NOT IN (?, ?, ?)`,
		formatTime(time.Now().UTC()),
		jobID,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
	)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CancelRequested reads the cooperative cancellation flag for a job.
func (s *Store) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, jobID).Scan(&flag)
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag != 0, nil
}

// SetProgress records durable stage progress on the job row.
func (s *Store) SetProgress(ctx context.Context, jobID, stage string, percent float64) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET progress_stage = ?, progress_percent = ?, updated_at = ? WHERE id = ?`,
		nullableString(stage),
		percent,
		formatTime(time.Now().UTC()),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// SetManifest persists the deletion manifest JSON on the job row.
func (s *Store) SetManifest(ctx context.Context, jobID, manifestJSON string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET deletion_manifest = ?, updated_at = ? WHERE id = ?`,
		nullableString(manifestJSON),
		formatTime(time.Now().UTC()),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("set manifest: %w", err)
	}
	return nil
}

// JobsWithManifests returns jobs carrying a deletion manifest whose last
// update is older than cutoff. The deletion sweep uses this to retry stalled
// manifests.
func (s *Store) JobsWithManifests(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE deletion_manifest IS NOT NULL AND updated_at < ?
         ORDER BY updated_at`,
		formatTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("jobs with manifests: %w", err)
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

// EmergencyStopFlag is the well-known control flag halting all workers.
const EmergencyStopFlag = "emergency_stop"

// SetFlag raises a control flag. Raising an already-set flag is a no-op.
func (s *Store) SetFlag(ctx context.Context, flag string) error {
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO control_flags (flag, set_at) VALUES (?, ?)
         ON CONFLICT(flag) DO NOTHING`,
		flag,
		formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("set flag %s: %w", flag, err)
	}
	return nil
}

// ClearFlag lowers a control flag.
func (s *Store) ClearFlag(ctx context.Context, flag string) error {
	_, err := s.execWithRetry(ctx, `DELETE FROM control_flags WHERE flag = ?`, flag)
	if err != nil {
		return fmt.Errorf("clear flag %s: %w", flag, err)
	}
	return nil
}

// HasFlag reports whether a control flag is currently raised.
func (s *Store) HasFlag(ctx context.Context, flag string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM control_flags WHERE flag = ?`, flag).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("read flag %s: %w", flag, err)
	}
	return count > 0, nil
}
