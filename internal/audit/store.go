package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// timeLayout is RFC 3339 with fixed-width nanoseconds; occurred_at feeds an
// ORDER BY, and fixed-width strings sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists audit events in the shared docmill database.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertBatch writes events with duplicate suppression: an event whose
// idempotency key already exists is silently skipped. It returns the number
// of rows actually inserted.
func (s *Store) InsertBatch(ctx context.Context, events []Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin audit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(
		ctx,
		`INSERT INTO audit_events (id, idempotency_key, job_id, event_type, actor_id, source_address, trace_id, metadata_json, occurred_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(idempotency_key) DO NOTHING`,
	)
	if err != nil {
		return 0, fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, evt := range events {
		var metadataJSON any
		if len(evt.Metadata) > 0 {
			encoded, err := json.Marshal(evt.Metadata)
			if err != nil {
				return inserted, fmt.Errorf("marshal audit metadata: %w", err)
			}
			metadataJSON = string(encoded)
		}
		res, err := stmt.ExecContext(
			ctx,
			evt.ID,
			evt.IdempotencyKey,
			evt.JobID,
			evt.Type,
			nullable(evt.ActorID),
			nullable(evt.SourceAddress),
			nullable(evt.TraceID),
			metadataJSON,
			evt.OccurredAt.UTC().Format(timeLayout),
		)
		if err != nil {
			return inserted, fmt.Errorf("insert audit event: %w", err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit audit batch: %w", err)
	}
	return inserted, nil
}

// Trail returns the audit events for a job in occurrence order.
func (s *Store) Trail(ctx context.Context, jobID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, idempotency_key, job_id, event_type, actor_id, source_address, trace_id, metadata_json, occurred_at
         FROM audit_events WHERE job_id = ? ORDER BY occurred_at, id LIMIT ?`,
		jobID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			evt         Event
			actor       sql.NullString
			source      sql.NullString
			trace       sql.NullString
			metadata    sql.NullString
			occurredRaw string
		)
		if err := rows.Scan(&evt.ID, &evt.IdempotencyKey, &evt.JobID, &evt.Type, &actor, &source, &trace, &metadata, &occurredRaw); err != nil {
			return nil, err
		}
		evt.ActorID = actor.String
		evt.SourceAddress = source.String
		evt.TraceID = trace.String
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &evt.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		if occurred, err := time.Parse(time.RFC3339Nano, occurredRaw); err == nil {
			evt.OccurredAt = occurred
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Count returns the number of stored events for a job.
func (s *Store) Count(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM audit_events WHERE job_id = ?`, jobID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return count, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
