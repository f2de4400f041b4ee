package pgqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"replydesk/internal/queue"
)

const publishColumns = "id, work_order_id, payload, dispatch_status, dispatch_attempts, last_error, note, created_at, updated_at, dispatched_at"

func scanPublish(row pgx.Row) (*queue.PublishRow, error) {
	var (
		out       queue.PublishRow
		payload   string
		status    string
		lastError *string
		note      *string
	)
	if err := row.Scan(&out.ID, &out.WorkOrderID, &payload, &status, &out.Attempts, &lastError, &note,
		&out.CreatedAt, &out.UpdatedAt, &out.DispatchedAt); err != nil {
		return nil, err
	}
	out.Payload = json.RawMessage(payload)
	out.Status = queue.PublishStatus(status)
	out.LastError = deref(lastError)
	out.Note = deref(note)
	out.CreatedAt = out.CreatedAt.UTC()
	out.UpdatedAt = out.UpdatedAt.UTC()
	if out.DispatchedAt != nil {
		at := out.DispatchedAt.UTC()
		out.DispatchedAt = &at
	}
	return &out, nil
}

func insertPublishRow(ctx context.Context, tx pgx.Tx, workOrderID string, payload json.RawMessage, now time.Time) (bool, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO publish_queue (id, work_order_id, payload, dispatch_status, dispatch_attempts, created_at, updated_at)
         VALUES ($1, $2, $3, $4, 0, $5, $5)
         ON CONFLICT (work_order_id) DO NOTHING`,
		queue.NewPublishID(), workOrderID, string(payload), string(queue.PublishQueued), now,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// EnqueuePublish implements queue.PublishQueue.
func (s *Store) EnqueuePublish(ctx context.Context, workOrderID string, payload json.RawMessage) (bool, error) {
	var created bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		created, err = insertPublishRow(ctx, tx, workOrderID, payload, s.timestamp())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("enqueue publish %s: %w", workOrderID, err)
	}
	return created, nil
}

// ClaimNextPublish implements queue.PublishQueue.
func (s *Store) ClaimNextPublish(ctx context.Context) (*queue.PublishRow, error) {
	row := s.pool.QueryRow(ctx,
		`WITH next AS (
             SELECT id FROM publish_queue
             WHERE dispatch_status = $1
             ORDER BY created_at, id
             LIMIT 1
             FOR UPDATE SKIP LOCKED
         )
         UPDATE publish_queue p
         SET dispatch_status = $2, dispatch_attempts = p.dispatch_attempts + 1, updated_at = $3
         FROM next
         WHERE p.id = next.id
         RETURNING `+prefixed("p.", publishColumns),
		string(queue.PublishQueued), string(queue.PublishRunning), s.timestamp(),
	)
	claimed, err := scanPublish(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next publish: %w", err)
	}
	return claimed, nil
}

// MarkDispatched implements queue.PublishQueue.
func (s *Store) MarkDispatched(ctx context.Context, id, note string) error {
	now := s.timestamp()
	tag, err := s.pool.Exec(ctx,
		`UPDATE publish_queue SET dispatch_status = $1, note = $2, last_error = NULL, dispatched_at = $3, updated_at = $3
         WHERE id = $4 AND dispatch_status = $5`,
		string(queue.PublishDispatched), nullable(note), now, id, string(queue.PublishRunning),
	)
	if err != nil {
		return fmt.Errorf("mark dispatched %s: %w", id, err)
	}
	return requireAffected(tag, id)
}

// MarkPublishRetryOrDeadLetter implements queue.PublishQueue.
func (s *Store) MarkPublishRetryOrDeadLetter(ctx context.Context, id, cause string, maxAttempts int) (queue.PublishStatus, error) {
	var next queue.PublishStatus
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var attempts int
		err := tx.QueryRow(ctx,
			`SELECT dispatch_attempts FROM publish_queue WHERE id = $1 AND dispatch_status = $2 FOR UPDATE`,
			id, string(queue.PublishRunning),
		).Scan(&attempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", queue.ErrLeaseLost, id)
		}
		if err != nil {
			return err
		}
		next = queue.PublishRetryStatus(attempts, maxAttempts)
		_, err = tx.Exec(ctx,
			`UPDATE publish_queue SET dispatch_status = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
			string(next), nullable(queue.TruncateError(cause)), s.timestamp(), id,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("mark publish retry %s: %w", id, err)
	}
	return next, nil
}

// RetryDeadLetterPublish implements queue.PublishQueue.
func (s *Store) RetryDeadLetterPublish(ctx context.Context, ids ...string) (int64, error) {
	query := `UPDATE publish_queue SET dispatch_status = $1, dispatch_attempts = 0, last_error = NULL, updated_at = $2
        WHERE dispatch_status = $3`
	args := []any{string(queue.PublishQueued), s.timestamp(), string(queue.PublishDeadLetter)}
	if len(ids) > 0 {
		query += ` AND id = ANY($4)`
		args = append(args, ids)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry dead-letter publish rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListPublish implements queue.Inspector.
func (s *Store) ListPublish(ctx context.Context, statuses ...queue.PublishStatus) ([]*queue.PublishRow, error) {
	query := `SELECT ` + publishColumns + ` FROM publish_queue`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE dispatch_status = ANY($1)`
		args = append(args, statusStrings(statuses))
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list publish rows: %w", err)
	}
	defer rows.Close()

	var out []*queue.PublishRow
	for rows.Next() {
		row, err := scanPublish(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
