package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

func insertPublishRow(ctx context.Context, tx *sql.Tx, workOrderID string, payload json.RawMessage, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO publish_queue (id, work_order_id, payload, dispatch_status, dispatch_attempts, created_at, updated_at)
         VALUES (?, ?, ?, ?, 0, ?, ?)
         ON CONFLICT (work_order_id) DO NOTHING`,
		NewPublishID(), workOrderID, string(payload), PublishQueued, now, now,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// EnqueuePublish inserts a publish row unless the work order already has one.
func (s *Store) EnqueuePublish(ctx context.Context, workOrderID string, payload json.RawMessage) (bool, error) {
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = insertPublishRow(ctx, tx, workOrderID, payload, formatTime(s.timestamp()))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("enqueue publish %s: %w", workOrderID, err)
	}
	return created, nil
}

// ClaimNextPublish moves the oldest queued publish row to running.
func (s *Store) ClaimNextPublish(ctx context.Context) (*PublishRow, error) {
	var claimed *PublishRow
	err := retryOnBusy(ctx, func() error {
		now := formatTime(s.timestamp())
		row := s.db.QueryRowContext(ctx,
			`UPDATE publish_queue
             SET dispatch_status = ?, dispatch_attempts = dispatch_attempts + 1, updated_at = ?
             WHERE id = (
                 SELECT id FROM publish_queue WHERE dispatch_status = ? ORDER BY created_at, id LIMIT 1
             ) AND dispatch_status = ?
             RETURNING `+publishColumns,
			PublishRunning, now, PublishQueued, PublishQueued,
		)
		scanned, err := scanPublish(row)
		if errors.Is(err, sql.ErrNoRows) {
			claimed = nil
			return nil
		}
		if err != nil {
			return err
		}
		claimed = scanned
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next publish: %w", err)
	}
	return claimed, nil
}

// MarkDispatched completes a running publish row. note records why delivery
// was skipped, if it was.
func (s *Store) MarkDispatched(ctx context.Context, id, note string) error {
	now := formatTime(s.timestamp())
	res, err := s.execWithRetry(ctx,
		`UPDATE publish_queue SET dispatch_status = ?, note = ?, last_error = NULL, dispatched_at = ?, updated_at = ?
         WHERE id = ? AND dispatch_status = ?`,
		PublishDispatched, nullableString(note), now, now, id, PublishRunning,
	)
	if err != nil {
		return fmt.Errorf("mark dispatched %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// MarkPublishRetryOrDeadLetter requeues a failed delivery until its attempts
// reach maxAttempts, then dead-letters it.
func (s *Store) MarkPublishRetryOrDeadLetter(ctx context.Context, id, cause string, maxAttempts int) (PublishStatus, error) {
	var next PublishStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRowContext(ctx,
			`SELECT dispatch_attempts FROM publish_queue WHERE id = ? AND dispatch_status = ?`,
			id, PublishRunning,
		).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrLeaseLost, id)
		}
		if err != nil {
			return err
		}
		next = PublishRetryStatus(attempts, maxAttempts)
		_, err = tx.ExecContext(ctx,
			`UPDATE publish_queue SET dispatch_status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			next, TruncateError(cause), formatTime(s.timestamp()), id,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("mark publish retry %s: %w", id, err)
	}
	return next, nil
}

// RetryDeadLetterPublish requeues dead-lettered publish rows; all of them
// when ids is empty.
func (s *Store) RetryDeadLetterPublish(ctx context.Context, ids ...string) (int64, error) {
	query := `UPDATE publish_queue SET dispatch_status = ?, dispatch_attempts = 0, last_error = NULL, updated_at = ?
        WHERE dispatch_status = ?`
	args := []any{PublishQueued, formatTime(s.timestamp()), PublishDeadLetter}
	if len(ids) > 0 {
		query += ` AND id IN (` + makePlaceholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry dead-letter publish rows: %w", err)
	}
	return res.RowsAffected()
}

// ListPublish returns publish rows, optionally filtered by status.
func (s *Store) ListPublish(ctx context.Context, statuses ...PublishStatus) ([]*PublishRow, error) {
	query := `SELECT ` + publishColumns + ` FROM publish_queue`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE dispatch_status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list publish rows: %w", err)
	}
	defer rows.Close()

	var out []*PublishRow
	for rows.Next() {
		row, err := scanPublish(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// PublishRetryStatus is the status a failed delivery moves to after attempts.
func PublishRetryStatus(attempts, maxAttempts int) PublishStatus {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if attempts >= maxAttempts {
		return PublishDeadLetter
	}
	return PublishQueued
}
