package pgqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"replydesk/internal/queue"
)

const runColumns = "run_id, work_order_id, status, current_stage, created_at, updated_at"

func scanRun(row pgx.Row) (*queue.Run, error) {
	var (
		run    queue.Run
		status string
	)
	if err := row.Scan(&run.ID, &run.WorkOrderID, &status, &run.CurrentStage, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = queue.RunStatus(status)
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return &run, nil
}

// StartRun implements queue.RunStore.
func (s *Store) StartRun(ctx context.Context, workOrderID string) (*queue.Run, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO workflow_runs (run_id, work_order_id, status, current_stage, created_at, updated_at)
         VALUES ($1, $2, $3, '', $4, $4)
         ON CONFLICT (work_order_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
         RETURNING `+runColumns,
		queue.NewRunID(), workOrderID, string(queue.RunRunning), s.timestamp(),
	)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("start run %s: %w", workOrderID, err)
	}
	return run, nil
}

// GetRun implements queue.RunStore.
func (s *Store) GetRun(ctx context.Context, workOrderID string) (*queue.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE work_order_id = $1`, workOrderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: run for %s", queue.ErrNotFound, workOrderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", workOrderID, err)
	}
	return run, nil
}

// AppendEvent implements queue.RunStore.
func (s *Store) AppendEvent(ctx context.Context, event queue.StageEvent) error {
	payload := event.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	created := event.CreatedAt
	if created.IsZero() {
		created = s.timestamp()
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_events (run_id, stage, status, needs_human_review, payload, created_at)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		event.RunID, event.Stage, event.Status, event.NeedsHumanReview, string(payload), created,
	); err != nil {
		return fmt.Errorf("append event %s/%s: %w", event.RunID, event.Stage, err)
	}
	return nil
}

// ListEvents implements queue.RunStore.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]queue.StageEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, stage, status, needs_human_review, payload, created_at
         FROM workflow_events WHERE run_id = $1 ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events %s: %w", runID, err)
	}
	defer rows.Close()

	var events []queue.StageEvent
	for rows.Next() {
		var (
			event   queue.StageEvent
			payload string
		)
		if err := rows.Scan(&event.ID, &event.RunID, &event.Stage, &event.Status, &event.NeedsHumanReview, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	return events, rows.Err()
}

// PersistArtifact implements queue.RunStore.
func (s *Store) PersistArtifact(ctx context.Context, runID, workOrderID, stage string, payload json.RawMessage) (bool, error) {
	category := queue.ArtifactCategory(stage)
	if category == "" {
		return false, nil
	}
	var created bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		now := s.timestamp()
		if _, err := tx.Exec(ctx,
			`INSERT INTO artifacts (run_id, work_order_id, category, payload, updated_at)
             VALUES ($1, $2, $3, $4, $5)
             ON CONFLICT (run_id, category) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
			runID, workOrderID, category, string(payload), now,
		); err != nil {
			return err
		}
		if category != queue.CategoryPublishPayloads {
			return nil
		}
		var err error
		created, err = insertPublishRow(ctx, tx, workOrderID, payload, s.timestamp())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("persist %s artifact for %s: %w", category, runID, err)
	}
	return created, nil
}

// FinishRun implements queue.RunStore.
func (s *Store) FinishRun(ctx context.Context, runID string, status queue.RunStatus, currentStage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_runs SET status = $1, current_stage = $2, updated_at = $3 WHERE run_id = $4`,
		string(status), currentStage, s.timestamp(), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s", queue.ErrNotFound, runID)
	}
	return nil
}
