package costs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"docmill/internal/config"
	"docmill/internal/logging"
	"docmill/internal/services"
)

// timeLayout is RFC 3339 with fixed-width nanoseconds so created_at string
// comparisons in SQL order chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

// Record statuses. A record is pending from reservation until settlement.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Record is a single cost entry. Monetary values are integral cents.
type Record struct {
	ID          string
	JobID       string
	ActorID     string
	Provider    string
	Units       int64
	CostCents   int64
	Status      string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// ActorTotals aggregates completed spend for one actor.
type ActorTotals struct {
	ActorID   string
	CostCents int64
	Units     int64
	Records   int
}

// Ledger tracks per-job resource cost against a hard ceiling.
type Ledger struct {
	db             *sql.DB
	logger         *slog.Logger
	unitPriceCents int64
	ceilingCents   int64
	staleness      time.Duration
}

// NewLedger wraps the shared database handle with ledger configuration.
func NewLedger(cfg *config.Config, db *sql.DB, logger *slog.Logger) *Ledger {
	return &Ledger{
		db:             db,
		logger:         logging.NewComponentLogger(logger, "cost-ledger"),
		unitPriceCents: int64(cfg.Costs.UnitPriceCents),
		ceilingCents:   int64(cfg.Costs.JobCeilingCents),
		staleness:      time.Duration(cfg.Costs.PendingStaleness) * time.Second,
	}
}

// UnitPriceCents returns the configured per-unit price.
func (l *Ledger) UnitPriceCents() int64 {
	return l.unitPriceCents
}

// Estimate converts a unit count into projected cents.
func (l *Ledger) Estimate(units int64) int64 {
	return units * l.unitPriceCents
}

// CheckCeiling verifies that projected spend for a job stays under the
// ceiling without creating a record. Used by the admission pre-check.
func (l *Ledger) CheckCeiling(ctx context.Context, jobID string, estimatedUnits int64) error {
	projected := l.Estimate(estimatedUnits)
	committed, err := l.committedCents(ctx, l.db, jobID)
	if err != nil {
		return err
	}
	if committed+projected > l.ceilingCents {
		return services.Wrap(services.ErrQuotaExceeded, "costs", "ceiling check",
			fmt.Sprintf("projected cost %d¢ exceeds per-job ceiling %d¢", committed+projected, l.ceilingCents), nil)
	}
	return nil
}

// Reserve creates a pending record for estimated work. It fails fast with a
// quota error, creating no record, when pending plus completed plus projected
// cost would exceed the per-job ceiling.
func (l *Ledger) Reserve(ctx context.Context, jobID, actorID, provider string, estimatedUnits int64) (string, error) {
	if jobID == "" {
		return "", errors.New("job id is required")
	}
	if estimatedUnits < 0 {
		return "", errors.New("estimated units must not be negative")
	}
	projected := l.Estimate(estimatedUnits)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin reserve tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	committed, err := l.committedCents(ctx, tx, jobID)
	if err != nil {
		return "", err
	}
	if committed+projected > l.ceilingCents {
		return "", services.Wrap(services.ErrQuotaExceeded, "costs", "reserve",
			fmt.Sprintf("projected cost %d¢ exceeds per-job ceiling %d¢", committed+projected, l.ceilingCents), nil)
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO cost_records (id, job_id, actor_id, provider, units, cost_cents, status, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		jobID,
		nullable(actorID),
		provider,
		estimatedUnits,
		projected,
		StatusPending,
		formatTime(time.Now().UTC()),
	); err != nil {
		return "", fmt.Errorf("insert cost record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit reserve: %w", err)
	}
	return id, nil
}

// CheckActualCost verifies that billing actualUnits would keep the job's
// completed spend under the ceiling. The pipeline calls it as soon as the
// real unit count is known, so over-budget work fails before it exports.
func (l *Ledger) CheckActualCost(ctx context.Context, jobID string, actualUnits int64) error {
	cost := actualUnits * l.unitPriceCents
	completed, err := l.completedCents(ctx, l.db, jobID)
	if err != nil {
		return err
	}
	if completed+cost > l.ceilingCents {
		return services.Wrap(services.ErrQuotaExceeded, "costs", "actual cost check",
			fmt.Sprintf("actual cost %d¢ exceeds per-job ceiling %d¢", completed+cost, l.ceilingCents), nil)
	}
	return nil
}

// Settle finalizes a pending record with the actual unit count. Failed or
// cancelled work settles unsuccessfully and carries no charge. A successful
// settlement rechecks the ceiling against the actual cost: the estimate it
// was reserved under uses a coarser scale than the extractor bills at, and
// the completed ledger must never exceed the ceiling. An over-budget
// settlement marks the record failed and returns a quota error.
func (l *Ledger) Settle(ctx context.Context, recordID string, actualUnits int64, succeeded bool) error {
	now := formatTime(time.Now().UTC())
	if !succeeded {
		if _, err := l.db.ExecContext(
			ctx,
			`UPDATE cost_records SET status = ?, units = ?, cost_cents = 0, completed_at = ?
             WHERE id = ? AND status = ?`,
			StatusFailed,
			actualUnits,
			now,
			recordID,
			StatusPending,
		); err != nil {
			return fmt.Errorf("settle cost record: %w", err)
		}
		// A record already settled by a prior delivery is left untouched;
		// settlement is idempotent.
		return nil
	}

	cost := actualUnits * l.unitPriceCents

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settle tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var jobID string
	err = tx.QueryRowContext(
		ctx,
		`SELECT job_id FROM cost_records WHERE id = ? AND status = ?`,
		recordID,
		StatusPending,
	).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		// Already settled by a prior delivery.
		return nil
	}
	if err != nil {
		return fmt.Errorf("load cost record: %w", err)
	}

	completed, err := l.completedCents(ctx, tx, jobID)
	if err != nil {
		return err
	}

	status := StatusCompleted
	var quotaErr error
	if completed+cost > l.ceilingCents {
		status = StatusFailed
		quotaErr = services.Wrap(services.ErrQuotaExceeded, "costs", "settle",
			fmt.Sprintf("actual cost %d¢ exceeds per-job ceiling %d¢", completed+cost, l.ceilingCents), nil)
		cost = 0
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE cost_records SET status = ?, units = ?, cost_cents = ?, completed_at = ?
         WHERE id = ? AND status = ?`,
		status,
		actualUnits,
		cost,
		now,
		recordID,
		StatusPending,
	); err != nil {
		return fmt.Errorf("settle cost record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settle: %w", err)
	}
	return quotaErr
}

// Get fetches a record by identifier.
func (l *Ledger) Get(ctx context.Context, recordID string) (*Record, error) {
	row := l.db.QueryRowContext(
		ctx,
		`SELECT id, job_id, actor_id, provider, units, cost_cents, status, created_at, completed_at
         FROM cost_records WHERE id = ?`,
		recordID,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cost record: %w", err)
	}
	return rec, nil
}

// RecordsForJob lists a job's cost records ordered by creation.
func (l *Ledger) RecordsForJob(ctx context.Context, jobID string) ([]*Record, error) {
	rows, err := l.db.QueryContext(
		ctx,
		`SELECT id, job_id, actor_id, provider, units, cost_cents, status, created_at, completed_at
         FROM cost_records WHERE job_id = ? ORDER BY created_at`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list cost records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// TotalsForActor aggregates completed spend across an actor's jobs.
func (l *Ledger) TotalsForActor(ctx context.Context, actorID string) (ActorTotals, error) {
	row := l.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(SUM(cost_cents), 0), COALESCE(SUM(units), 0), COUNT(1)
         FROM cost_records WHERE actor_id = ? AND status = ?`,
		actorID,
		StatusCompleted,
	)
	totals := ActorTotals{ActorID: actorID}
	if err := row.Scan(&totals.CostCents, &totals.Units, &totals.Records); err != nil {
		return totals, fmt.Errorf("actor totals: %w", err)
	}
	return totals, nil
}

// Reconcile marks stale pending records whose job is no longer active as
// failed. It repairs ledgers left dangling by workers that crashed between
// reserve and settle.
func (l *Ledger) Reconcile(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-l.staleness)
	res, err := l.db.ExecContext(
		ctx,
		`UPDATE cost_records SET status = ?, completed_at = ?
         WHERE status = ? AND created_at < ?
           AND job_id NOT IN (SELECT id FROM jobs WHERE status IN ('queued', 'processing', 'retrying'))`,
		StatusFailed,
		formatTime(time.Now().UTC()),
		StatusPending,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("reconcile cost records: %w", err)
	}
	repaired, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if repaired > 0 {
		l.logger.Info("reconciled stale pending cost records", logging.Int64("count", repaired))
	}
	return repaired, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l *Ledger) completedCents(ctx context.Context, q querier, jobID string) (int64, error) {
	var completed int64
	err := q.QueryRowContext(
		ctx,
		`SELECT COALESCE(SUM(cost_cents), 0) FROM cost_records WHERE job_id = ? AND status = ?`,
		jobID,
		StatusCompleted,
	).Scan(&completed)
	if err != nil {
		return 0, fmt.Errorf("sum completed cost: %w", err)
	}
	return completed, nil
}

func (l *Ledger) committedCents(ctx context.Context, q querier, jobID string) (int64, error) {
	var committed int64
	err := q.QueryRowContext(
		ctx,
		`SELECT COALESCE(SUM(cost_cents), 0) FROM cost_records WHERE job_id = ? AND status IN (?, ?)`,
		jobID,
		StatusPending,
		StatusCompleted,
	).Scan(&committed)
	if err != nil {
		return 0, fmt.Errorf("sum committed cost: %w", err)
	}
	return committed, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*Record, error) {
	var (
		rec          Record
		actor        sql.NullString
		createdRaw   string
		completedRaw sql.NullString
	)
	if err := scanner.Scan(&rec.ID, &rec.JobID, &actor, &rec.Provider, &rec.Units, &rec.CostCents, &rec.Status, &createdRaw, &completedRaw); err != nil {
		return nil, err
	}
	rec.ActorID = actor.String
	if created, err := time.Parse(time.RFC3339Nano, createdRaw); err == nil {
		rec.CreatedAt = created
	}
	if completedRaw.Valid {
		if completed, err := time.Parse(time.RFC3339Nano, completedRaw.String); err == nil {
			rec.CompletedAt = &completed
		}
	}
	return &rec, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
