package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Enqueue inserts a broker message for a job on the given lane at attempt 0.
func (s *Store) Enqueue(ctx context.Context, jobID string, lane Lane) (*Message, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	if lane == "" {
		lane = LaneDefault
	}
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO queue_messages (job_id, lane, attempt, enqueued_at, available_at)
         VALUES (?, ?, 0, ?, ?)`,
		jobID,
		lane,
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetMessage(ctx, id)
}

// GetMessage fetches a broker message by identifier.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM queue_messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// Claim leases the next available message following strict lane priority:
// earlier lanes in laneOrder are fully drained before later ones are
// considered. It returns (nil, nil) when no message is available. The claim
// is conditional, so competing workers never lease the same delivery.
func (s *Store) Claim(ctx context.Context, laneOrder []Lane, leaseTimeout time.Duration) (*Message, error) {
	now := time.Now().UTC()
	nowStr := formatTime(now)
	leaseExpiry := formatTime(now.Add(leaseTimeout))

	for _, lane := range laneOrder {
		for {
			row := s.db.QueryRowContext(
				ctx,
				`SELECT `+messageColumns+` FROM queue_messages
                 WHERE lane = ? AND available_at <= ?
                   AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
                 ORDER BY id LIMIT 1`,
				lane,
				nowStr,
				nowStr,
			)
			msg, err := scanMessage(row)
			if errors.Is(err, sql.ErrNoRows) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("select claim candidate: %w", err)
			}

			res, err := s.execWithRetry(
				ctx,
				`UPDATE queue_messages SET lease_expires_at = ?
                 WHERE id = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)`,
				leaseExpiry,
				msg.ID,
				nowStr,
			)
			if err != nil {
				return nil, fmt.Errorf("lease message: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return nil, err
			}
			if affected > 0 {
				expiry := now.Add(leaseTimeout)
				msg.LeaseExpiresAt = &expiry
				return msg, nil
			}
			// Another worker won the lease; look for the next candidate.
		}
	}
	return nil, nil
}

// RenewLease extends a leased message's visibility timeout.
func (s *Store) RenewLease(ctx context.Context, messageID int64, leaseTimeout time.Duration) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE queue_messages SET lease_expires_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC().Add(leaseTimeout)),
		messageID,
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	return nil
}

// Ack removes a successfully handled message from its lane.
func (s *Store) Ack(ctx context.Context, messageID int64) error {
	_, err := s.execWithRetry(ctx, `DELETE FROM queue_messages WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return nil
}

// Release returns a failed message to its lane with an incremented attempt
// count, delayed until availableAt.
func (s *Store) Release(ctx context.Context, messageID int64, availableAt time.Time, lastError string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE queue_messages
         SET attempt = attempt + 1, available_at = ?, lease_expires_at = NULL, last_error = ?
         WHERE id = ?`,
		formatTime(availableAt),
		nullableString(lastError),
		messageID,
	)
	if err != nil {
		return fmt.Errorf("release message: %w", err)
	}
	return nil
}

// MoveToDeadLetter removes the message from its lane and preserves it in the
// dead-letter lane with its final failure context. The unique message
// constraint makes redelivered moves idempotent.
func (s *Store) MoveToDeadLetter(ctx context.Context, msg *Message, failureKind, failureSummary string) error {
	if msg == nil {
		return errors.New("message is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dead-letter tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO dead_letters (message_id, job_id, lane, attempt, failure_kind, failure_summary, dead_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(message_id) DO NOTHING`,
		msg.ID,
		msg.JobID,
		msg.Lane,
		msg.Attempt,
		nullableString(failureKind),
		nullableString(failureSummary),
		formatTime(time.Now().UTC()),
	); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, msg.ID); err != nil {
		return fmt.Errorf("remove dead message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dead-letter: %w", err)
	}
	return nil
}

// ReclaimExpiredLeases clears leases whose visibility timeout has passed,
// making crashed workers' messages claimable again.
func (s *Store) ReclaimExpiredLeases(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE queue_messages SET lease_expires_at = NULL
         WHERE lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		formatTime(time.Now().UTC()),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return res.RowsAffected()
}

// QueueDepths returns the number of pending messages per lane.
func (s *Store) QueueDepths(ctx context.Context) (map[Lane]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT lane, COUNT(1) FROM queue_messages GROUP BY lane`)
	if err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	defer rows.Close()

	depths := make(map[Lane]int)
	for rows.Next() {
		var lane Lane
		var count int
		if err := rows.Scan(&lane, &count); err != nil {
			return nil, err
		}
		depths[lane] = count
	}
	return depths, rows.Err()
}

// DeadLetters lists preserved messages ordered by arrival.
func (s *Store) DeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, message_id, job_id, lane, attempt, failure_kind, failure_summary, dead_at
         FROM dead_letters ORDER BY dead_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		var (
			dl      DeadLetter
			kind    sql.NullString
			summary sql.NullString
			deadRaw string
		)
		if err := rows.Scan(&dl.ID, &dl.MessageID, &dl.JobID, &dl.Lane, &dl.Attempt, &kind, &summary, &deadRaw); err != nil {
			return nil, err
		}
		dl.FailureKind = kind.String
		dl.FailureSummary = summary.String
		if dead, err := parseTimeString(deadRaw); err == nil {
			dl.DeadAt = dead
		}
		letters = append(letters, &dl)
	}
	return letters, rows.Err()
}

// RequeueDeadLetter moves a dead letter back to its lane at attempt 0 and
// returns the job to queued so a worker picks it up fresh.
func (s *Store) RequeueDeadLetter(ctx context.Context, deadLetterID int64) (*Message, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT job_id, lane FROM dead_letters WHERE id = ?`,
		deadLetterID,
	)
	var jobID string
	var lane Lane
	if err := row.Scan(&jobID, &lane); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("dead letter %d not found", deadLetterID)
		}
		return nil, fmt.Errorf("get dead letter: %w", err)
	}

	if _, err := s.execWithRetry(ctx, `DELETE FROM dead_letters WHERE id = ?`, deadLetterID); err != nil {
		return nil, fmt.Errorf("remove dead letter: %w", err)
	}
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, error_kind = NULL, error_summary = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusQueued,
		formatTime(time.Now().UTC()),
		jobID,
		StatusFailed,
	); err != nil {
		return nil, fmt.Errorf("requeue job: %w", err)
	}
	return s.Enqueue(ctx, jobID, lane)
}

const messageColumns = "id, job_id, lane, attempt, enqueued_at, available_at, lease_expires_at, last_error"

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*Message, error) {
	var (
		id           int64
		jobID        string
		lane         string
		attempt      int
		enqueuedRaw  string
		availableRaw string
		leaseRaw     sql.NullString
		lastError    sql.NullString
	)
	if err := scanner.Scan(&id, &jobID, &lane, &attempt, &enqueuedRaw, &availableRaw, &leaseRaw, &lastError); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:        id,
		JobID:     jobID,
		Lane:      Lane(lane),
		Attempt:   attempt,
		LastError: lastError.String,
	}
	if enqueued, err := parseTimeString(enqueuedRaw); err == nil {
		msg.EnqueuedAt = enqueued
	}
	if available, err := parseTimeString(availableRaw); err == nil {
		msg.AvailableAt = available
	}
	if leaseRaw.Valid {
		if lease, err := parseTimeString(leaseRaw.String); err == nil {
			msg.LeaseExpiresAt = &lease
		}
	}
	return msg, nil
}
