package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// StartRun upserts the run keyed by workOrderID. Rerunning a work order
// reuses its run id and resets the status to running.
func (s *Store) StartRun(ctx context.Context, workOrderID string) (*Run, error) {
	var run *Run
	err := retryOnBusy(ctx, func() error {
		now := formatTime(s.timestamp())
		row := s.db.QueryRowContext(ctx,
			`INSERT INTO workflow_runs (run_id, work_order_id, status, current_stage, created_at, updated_at)
             VALUES (?, ?, ?, '', ?, ?)
             ON CONFLICT (work_order_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
             RETURNING `+runColumns,
			NewRunID(), workOrderID, RunRunning, now, now,
		)
		var err error
		run, err = scanRun(row)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("start run %s: %w", workOrderID, err)
	}
	return run, nil
}

// GetRun returns the run for workOrderID, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, workOrderID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE work_order_id = ?`, workOrderID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run for %s", ErrNotFound, workOrderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", workOrderID, err)
	}
	return run, nil
}

// AppendEvent adds an immutable stage event.
func (s *Store) AppendEvent(ctx context.Context, event StageEvent) error {
	payload := event.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	created := event.CreatedAt
	if created.IsZero() {
		created = s.timestamp()
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO workflow_events (run_id, stage, status, needs_human_review, payload, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Stage, event.Status, boolToInt(event.NeedsHumanReview), string(payload), formatTime(created),
	); err != nil {
		return fmt.Errorf("append event %s/%s: %w", event.RunID, event.Stage, err)
	}
	return nil
}

// ListEvents returns a run's events in append order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]StageEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, stage, status, needs_human_review, payload, created_at
         FROM workflow_events WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events %s: %w", runID, err)
	}
	defer rows.Close()

	var events []StageEvent
	for rows.Next() {
		var (
			event   StageEvent
			review  int
			payload string
			created string
		)
		if err := rows.Scan(&event.ID, &event.RunID, &event.Stage, &event.Status, &review, &payload, &created); err != nil {
			return nil, err
		}
		event.NeedsHumanReview = review != 0
		event.Payload = json.RawMessage(payload)
		event.CreatedAt = parseTime(created)
		events = append(events, event)
	}
	return events, rows.Err()
}

// PersistArtifact replaces the run's artifact for the stage's category. The
// publish category also inserts the publish row if the work order has none.
func (s *Store) PersistArtifact(ctx context.Context, runID, workOrderID, stage string, payload json.RawMessage) (bool, error) {
	category := ArtifactCategory(stage)
	if category == "" {
		return false, nil
	}
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		created = false
		now := formatTime(s.timestamp())
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (run_id, work_order_id, category, payload, updated_at)
             VALUES (?, ?, ?, ?, ?)
             ON CONFLICT (run_id, category) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
			runID, workOrderID, category, string(payload), now,
		); err != nil {
			return err
		}
		if category != CategoryPublishPayloads {
			return nil
		}
		var err error
		created, err = insertPublishRow(ctx, tx, workOrderID, payload, now)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("persist %s artifact for %s: %w", category, runID, err)
	}
	return created, nil
}

// FinishRun records the run's final status and the last stage that ran.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus, currentStage string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE workflow_runs SET status = ?, current_stage = ?, updated_at = ? WHERE run_id = ?`,
		status, currentStage, formatTime(s.timestamp()), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return nil
}
