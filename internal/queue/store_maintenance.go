package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ListJobs returns jobs, optionally filtered by status, oldest first.
func (s *Store) ListJobs(ctx context.Context, statuses ...JobStatus) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY created_at, job_id`
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// RetryDeadLetter moves dead-lettered jobs back to queued with a fresh
// attempt budget; all of them when ids is empty.
func (s *Store) RetryDeadLetter(ctx context.Context, ids ...string) (int64, error) {
	now := formatTime(s.timestamp())
	query := `UPDATE jobs SET status = ?, attempts = 0, available_at = ?, last_error = NULL, updated_at = ?
        WHERE status = ?`
	args := []any{JobQueued, now, now, JobDeadLetter}
	if len(ids) > 0 {
		query += ` AND job_id IN (` + makePlaceholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry dead-letter jobs: %w", err)
	}
	return res.RowsAffected()
}

// Health aggregates job, publish and run counts.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	health := HealthSummary{
		Jobs:    make(map[JobStatus]int),
		Publish: make(map[PublishStatus]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return health, fmt.Errorf("job stats: %w", err)
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return health, err
		}
		health.Jobs[JobStatus(status)] = count
		health.TotalJobs += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return health, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT dispatch_status, COUNT(1) FROM publish_queue GROUP BY dispatch_status`)
	if err != nil {
		return health, fmt.Errorf("publish stats: %w", err)
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return health, err
		}
		health.Publish[PublishStatus(status)] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return health, err
	}

	var oldest sql.NullString
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM jobs WHERE status = ?`, JobQueued,
	).Scan(&oldest); err != nil {
		return health, fmt.Errorf("oldest queued job: %w", err)
	}
	if oldest.Valid {
		if created, err := parseTimeString(oldest.String); err == nil {
			health.OldestQueuedAge = s.timestamp().Sub(created).Truncate(time.Second)
		}
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM workflow_runs WHERE status = ?`, RunNeedsHumanReview,
	).Scan(&health.NeedsReview); err != nil {
		return health, fmt.Errorf("count review runs: %w", err)
	}
	return health, nil
}

// CheckHealth verifies the database file, schema and integrity.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{Driver: "sqlite", Location: s.path}

	info, err := os.Stat(s.path)
	if err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("stat queue database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("queue database path %q is a directory", s.path)
	}
	if s.db == nil {
		return health, errors.New("queue database connection unavailable")
	}

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping queue database: %w", err)
	}
	health.Reachable = true

	if health.SchemaVersion, err = s.readSchemaVersion(connCtx); err != nil {
		health.Error = err.Error()
		return health, err
	}

	for _, table := range schemaTables {
		var count int
		if err := s.db.QueryRowContext(connCtx,
			"SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&count); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("query table %s: %w", table, err)
		}
		if count == 0 {
			health.MissingTables = append(health.MissingTables, table)
		}
	}

	var integrity string
	if err := s.db.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrity, "ok")
	return health, nil
}
