package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultMaxAttempts is the attempt ceiling for jobs when none is configured.
const DefaultMaxAttempts = 3

// Enqueue inserts a queued job for workOrderID. A second call for the same
// work order returns the existing job id and created=false.
func (s *Store) Enqueue(ctx context.Context, workOrderID string, payload json.RawMessage) (string, bool, error) {
	workOrderID = strings.TrimSpace(workOrderID)
	if workOrderID == "" {
		return "", false, errors.New("enqueue: work order id is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var (
		jobID   string
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.timestamp())
		candidate := NewJobID()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (job_id, work_order_id, payload, status, attempts, max_attempts, available_at, created_at, updated_at)
             VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
             ON CONFLICT (work_order_id) DO NOTHING`,
			candidate, workOrderID, string(payload), JobQueued, s.maxAttempts, now, now, now,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 1 {
			jobID, created = candidate, true
			return nil
		}
		created = false
		return tx.QueryRowContext(ctx, `SELECT job_id FROM jobs WHERE work_order_id = ?`, workOrderID).Scan(&jobID)
	})
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", workOrderID, err)
	}
	return jobID, created, nil
}

// ClaimNext atomically moves the oldest eligible queued job to running.
// SQLite serialises writers, so a single UPDATE over a subquery is enough to
// keep concurrent claimants apart.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	var job *Job
	err := retryOnBusy(ctx, func() error {
		now := formatTime(s.timestamp())
		row := s.db.QueryRowContext(ctx,
			`UPDATE jobs
             SET status = ?, attempts = attempts + 1, locked_at = ?, worker_id = ?, updated_at = ?
             WHERE job_id = (
                 SELECT job_id FROM jobs
                 WHERE status = ? AND available_at <= ?
                 ORDER BY available_at, created_at
                 LIMIT 1
             ) AND status = ?
             RETURNING `+jobColumns,
			JobRunning, now, workerID, now,
			JobQueued, now,
			JobQueued,
		)
		claimed, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			job = nil
			return nil
		}
		if err != nil {
			return err
		}
		job = claimed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// Heartbeat refreshes the lock of a running job so the reaper leaves it alone.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) error {
	now := formatTime(s.timestamp())
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET locked_at = ?, updated_at = ? WHERE job_id = ? AND status = ? AND worker_id = ?`,
		now, now, jobID, JobRunning, workerID,
	)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", jobID, err)
	}
	return requireAffected(res, jobID)
}

// MarkDone completes a job held by workerID.
func (s *Store) MarkDone(ctx context.Context, jobID, workerID string) error {
	now := formatTime(s.timestamp())
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET status = ?, locked_at = NULL, worker_id = NULL, last_error = NULL, updated_at = ?
         WHERE job_id = ? AND status = ? AND worker_id = ?`,
		JobDone, now, jobID, JobRunning, workerID,
	)
	if err != nil {
		return fmt.Errorf("mark done %s: %w", jobID, err)
	}
	return requireAffected(res, jobID)
}

// MarkRetry requeues a failed job on the backoff ladder, or dead-letters it
// once its attempts reach maxAttempts.
func (s *Store) MarkRetry(ctx context.Context, jobID, workerID, cause string, maxAttempts int) (JobStatus, error) {
	var next JobStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRowContext(ctx,
			`SELECT attempts FROM jobs WHERE job_id = ? AND status = ? AND worker_id = ?`,
			jobID, JobRunning, workerID,
		).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrLeaseLost, jobID)
		}
		if err != nil {
			return err
		}
		now := s.timestamp()
		next = RetryStatus(attempts, maxAttempts)
		available := now
		if next == JobQueued {
			available = now.Add(Backoff(s.backoff, attempts))
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, available_at = ?, locked_at = NULL, worker_id = NULL, last_error = ?, updated_at = ?
             WHERE job_id = ?`,
			next, formatTime(available), TruncateError(cause), formatTime(now), jobID,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("mark retry %s: %w", jobID, err)
	}
	return next, nil
}

// MarkDeadLetter fails a job terminally.
func (s *Store) MarkDeadLetter(ctx context.Context, jobID, workerID, cause string) error {
	now := formatTime(s.timestamp())
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET status = ?, locked_at = NULL, worker_id = NULL, last_error = ?, updated_at = ?
         WHERE job_id = ? AND status = ? AND worker_id = ?`,
		JobDeadLetter, TruncateError(cause), now, jobID, JobRunning, workerID,
	)
	if err != nil {
		return fmt.Errorf("mark dead letter %s: %w", jobID, err)
	}
	return requireAffected(res, jobID)
}

// RecoverStale reclaims up to limit running jobs whose lock predates
// now-staleAfter. Jobs with attempts left return to queued; the rest are
// dead-lettered.
func (s *Store) RecoverStale(ctx context.Context, staleAfter time.Duration, maxAttempts, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.timestamp()
	cutoff := now.Add(-staleAfter)
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs
         SET status = CASE WHEN attempts >= ? THEN ? ELSE ? END,
             available_at = ?, locked_at = NULL, worker_id = NULL, last_error = ?, updated_at = ?
         WHERE job_id IN (
             SELECT job_id FROM jobs
             WHERE status = ? AND locked_at IS NOT NULL AND locked_at < ?
             ORDER BY locked_at
             LIMIT ?
         )`,
		maxAttempts, JobDeadLetter, JobQueued,
		formatTime(now), StaleRecoveredError, formatTime(now),
		JobRunning, formatTime(cutoff),
		limit,
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return int(affected), nil
}

// StaleRecoveredError is recorded on jobs reclaimed by RecoverStale.
const StaleRecoveredError = "stale_running_recovered"

// RetryStatus is the status a failed job moves to after attempts.
func RetryStatus(attempts, maxAttempts int) JobStatus {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if attempts >= maxAttempts {
		return JobDeadLetter
	}
	return JobQueued
}

func requireAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	return nil
}
