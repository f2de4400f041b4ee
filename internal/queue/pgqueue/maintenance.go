package pgqueue

import (
	"context"
	"fmt"
	"time"

	"replydesk/internal/queue"
)

// ListJobs implements queue.Inspector.
func (s *Store) ListJobs(ctx context.Context, statuses ...queue.JobStatus) ([]*queue.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status = ANY($1)`
		args = append(args, statusStrings(statuses))
	}
	query += ` ORDER BY created_at, job_id`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RetryDeadLetter implements queue.Inspector.
func (s *Store) RetryDeadLetter(ctx context.Context, ids ...string) (int64, error) {
	query := `UPDATE jobs SET status = $1, attempts = 0, available_at = $2, last_error = NULL, updated_at = $2
        WHERE status = $3`
	args := []any{string(queue.JobQueued), s.timestamp(), string(queue.JobDeadLetter)}
	if len(ids) > 0 {
		query += ` AND job_id = ANY($4)`
		args = append(args, ids)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry dead-letter jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Health implements queue.Inspector.
func (s *Store) Health(ctx context.Context) (queue.HealthSummary, error) {
	health := queue.HealthSummary{
		Jobs:    make(map[queue.JobStatus]int),
		Publish: make(map[queue.PublishStatus]int),
	}
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
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
		health.Jobs[queue.JobStatus(status)] = count
		health.TotalJobs += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return health, err
	}

	rows, err = s.pool.Query(ctx, `SELECT dispatch_status, COUNT(1) FROM publish_queue GROUP BY dispatch_status`)
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
		health.Publish[queue.PublishStatus(status)] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return health, err
	}

	var oldest *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT MIN(created_at) FROM jobs WHERE status = $1`, string(queue.JobQueued)).Scan(&oldest); err != nil {
		return health, fmt.Errorf("oldest queued job: %w", err)
	}
	if oldest != nil {
		health.OldestQueuedAge = s.timestamp().Sub(*oldest).Truncate(time.Second)
	}
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(1) FROM workflow_runs WHERE status = $1`, string(queue.RunNeedsHumanReview),
	).Scan(&health.NeedsReview); err != nil {
		return health, fmt.Errorf("count review runs: %w", err)
	}
	return health, nil
}

// CheckHealth implements queue.Inspector.
func (s *Store) CheckHealth(ctx context.Context) (queue.DatabaseHealth, error) {
	conn := s.pool.Config().ConnConfig
	health := queue.DatabaseHealth{Driver: "postgres", Location: fmt.Sprintf("%s:%d/%s", conn.Host, conn.Port, conn.Database)}

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.pool.Ping(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping postgres: %w", err)
	}
	health.Reachable = true

	if err := s.pool.QueryRow(connCtx, `SELECT version FROM schema_version LIMIT 1`).Scan(&health.SchemaVersion); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("read schema version: %w", err)
	}
	for _, table := range schemaTables {
		var present bool
		if err := s.pool.QueryRow(connCtx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&present); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("query table %s: %w", table, err)
		}
		if !present {
			health.MissingTables = append(health.MissingTables, table)
		}
	}
	health.IntegrityCheck = len(health.MissingTables) == 0
	return health, nil
}
