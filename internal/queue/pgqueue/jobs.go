package pgqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"replydesk/internal/queue"
)

const jobColumns = "job_id, work_order_id, payload, status, attempts, max_attempts, available_at, locked_at, worker_id, last_error, created_at, updated_at"

func scanJob(row pgx.Row) (*queue.Job, error) {
	var (
		job       queue.Job
		payload   string
		status    string
		workerID  *string
		lastError *string
	)
	if err := row.Scan(&job.ID, &job.WorkOrderID, &payload, &status, &job.Attempts, &job.MaxAttempts,
		&job.AvailableAt, &job.LockedAt, &workerID, &lastError, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Payload = json.RawMessage(payload)
	job.Status = queue.JobStatus(status)
	job.WorkerID = deref(workerID)
	job.LastError = deref(lastError)
	job.AvailableAt = job.AvailableAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if job.LockedAt != nil {
		locked := job.LockedAt.UTC()
		job.LockedAt = &locked
	}
	return &job, nil
}

func requireAffected(tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", queue.ErrLeaseLost, id)
	}
	return nil
}

// Enqueue implements queue.JobQueue.
func (s *Store) Enqueue(ctx context.Context, workOrderID string, payload json.RawMessage) (string, bool, error) {
	workOrderID = strings.TrimSpace(workOrderID)
	if workOrderID == "" {
		return "", false, errors.New("enqueue: work order id is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	now := s.timestamp()
	var jobID string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (job_id, work_order_id, payload, status, attempts, max_attempts, available_at, created_at, updated_at)
         VALUES ($1, $2, $3, $4, 0, $5, $6, $6, $6)
         ON CONFLICT (work_order_id) DO NOTHING
         RETURNING job_id`,
		queue.NewJobID(), workOrderID, string(payload), string(queue.JobQueued), s.maxAttempts, now,
	).Scan(&jobID)
	if err == nil {
		return jobID, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("enqueue %s: %w", workOrderID, err)
	}
	if err := s.pool.QueryRow(ctx, `SELECT job_id FROM jobs WHERE work_order_id = $1`, workOrderID).Scan(&jobID); err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", workOrderID, err)
	}
	return jobID, false, nil
}

// ClaimNext implements queue.JobQueue. Concurrent claimants skip rows another
// transaction has locked instead of waiting on them.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*queue.Job, error) {
	now := s.timestamp()
	row := s.pool.QueryRow(ctx,
		`WITH next AS (
             SELECT job_id FROM jobs
             WHERE status = $1 AND available_at <= $2
             ORDER BY available_at, created_at
             LIMIT 1
             FOR UPDATE SKIP LOCKED
         )
         UPDATE jobs j
         SET status = $3, attempts = j.attempts + 1, locked_at = $2, worker_id = $4, updated_at = $2
         FROM next
         WHERE j.job_id = next.job_id
         RETURNING `+prefixed("j.", jobColumns),
		string(queue.JobQueued), now, string(queue.JobRunning), workerID,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, part := range parts {
		parts[i] = prefix + part
	}
	return strings.Join(parts, ", ")
}

// Heartbeat implements queue.JobQueue.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET locked_at = $1, updated_at = $1 WHERE job_id = $2 AND status = $3 AND worker_id = $4`,
		s.timestamp(), jobID, string(queue.JobRunning), workerID,
	)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", jobID, err)
	}
	return requireAffected(tag, jobID)
}

func (s *Store) release(ctx context.Context, jobID, workerID string, status queue.JobStatus, cause string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, locked_at = NULL, worker_id = NULL, last_error = $2, updated_at = $3
         WHERE job_id = $4 AND status = $5 AND worker_id = $6`,
		string(status), nullable(queue.TruncateError(cause)), s.timestamp(), jobID, string(queue.JobRunning), workerID,
	)
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", status, jobID, err)
	}
	return requireAffected(tag, jobID)
}

// MarkDone implements queue.JobQueue.
func (s *Store) MarkDone(ctx context.Context, jobID, workerID string) error {
	return s.release(ctx, jobID, workerID, queue.JobDone, "")
}

// MarkDeadLetter implements queue.JobQueue.
func (s *Store) MarkDeadLetter(ctx context.Context, jobID, workerID, cause string) error {
	return s.release(ctx, jobID, workerID, queue.JobDeadLetter, cause)
}

// MarkRetry implements queue.JobQueue.
func (s *Store) MarkRetry(ctx context.Context, jobID, workerID, cause string, maxAttempts int) (queue.JobStatus, error) {
	var next queue.JobStatus
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var attempts int
		err := tx.QueryRow(ctx,
			`SELECT attempts FROM jobs WHERE job_id = $1 AND status = $2 AND worker_id = $3 FOR UPDATE`,
			jobID, string(queue.JobRunning), workerID,
		).Scan(&attempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", queue.ErrLeaseLost, jobID)
		}
		if err != nil {
			return err
		}
		now := s.timestamp()
		next = queue.RetryStatus(attempts, maxAttempts)
		available := now
		if next == queue.JobQueued {
			available = now.Add(queue.Backoff(s.backoff, attempts))
		}
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET status = $1, available_at = $2, locked_at = NULL, worker_id = NULL, last_error = $3, updated_at = $4
             WHERE job_id = $5`,
			string(next), available, nullable(queue.TruncateError(cause)), now, jobID,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("mark retry %s: %w", jobID, err)
	}
	return next, nil
}

// RecoverStale implements queue.JobQueue.
func (s *Store) RecoverStale(ctx context.Context, staleAfter time.Duration, maxAttempts, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.timestamp()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
         SET status = CASE WHEN attempts >= $1 THEN $2 ELSE $3 END,
             available_at = $4, locked_at = NULL, worker_id = NULL, last_error = $5, updated_at = $4
         WHERE job_id IN (
             SELECT job_id FROM jobs
             WHERE status = $6 AND locked_at IS NOT NULL AND locked_at < $7
             ORDER BY locked_at
             LIMIT $8
             FOR UPDATE SKIP LOCKED
         )`,
		maxAttempts, string(queue.JobDeadLetter), string(queue.JobQueued),
		now, queue.StaleRecoveredError,
		string(queue.JobRunning), now.Add(-staleAfter), limit,
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
