package pgqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"replydesk/internal/escalation"
	"replydesk/internal/precedent"
	"replydesk/internal/queue"
)

const artifactColumns = "run_id, work_order_id, category, payload, updated_at"

func scanArtifact(row pgx.Row) (*queue.Artifact, error) {
	var (
		artifact queue.Artifact
		payload  string
	)
	if err := row.Scan(&artifact.RunID, &artifact.WorkOrderID, &artifact.Category, &payload, &artifact.UpdatedAt); err != nil {
		return nil, err
	}
	artifact.Payload = json.RawMessage(payload)
	artifact.UpdatedAt = artifact.UpdatedAt.UTC()
	return &artifact, nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertPrecedent(ctx context.Context, db execer, record precedent.Record, now time.Time) error {
	ts := record.Timestamp
	if ts.IsZero() {
		ts = now
	}
	labels := record.Labels
	if labels == nil {
		labels = []string{}
	}
	if _, err := db.Exec(ctx,
		`INSERT INTO precedents (key, sender, labels, tier, decision, source, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.Key, record.Sender, labels, string(record.Tier), record.Decision, nullable(record.Source), ts,
	); err != nil {
		return fmt.Errorf("append precedent %s: %w", record.Key, err)
	}
	return nil
}

// AppendPrecedent implements precedent.Log.
func (s *Store) AppendPrecedent(ctx context.Context, record precedent.Record) error {
	return insertPrecedent(ctx, s.pool, record, s.timestamp())
}

// PrecedentsByKey implements precedent.Log.
func (s *Store) PrecedentsByKey(ctx context.Context, key string) ([]precedent.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, sender, labels, tier, decision, source, created_at FROM precedents WHERE key = $1 ORDER BY id`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("query precedents %s: %w", key, err)
	}
	defer rows.Close()

	var records []precedent.Record
	for rows.Next() {
		var (
			record precedent.Record
			tier   string
			source *string
		)
		if err := rows.Scan(&record.Key, &record.Sender, &record.Labels, &tier, &record.Decision, &source, &record.Timestamp); err != nil {
			return nil, err
		}
		record.Tier = escalation.ParseTier(tier)
		record.Source = deref(source)
		record.Timestamp = record.Timestamp.UTC()
		records = append(records, record)
	}
	return records, rows.Err()
}

// LatestArtifact implements queue.ReviewLog.
func (s *Store) LatestArtifact(ctx context.Context, workOrderID, category string) (*queue.Artifact, error) {
	artifact, err := scanArtifact(s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE work_order_id = $1 AND category = $2
         ORDER BY updated_at DESC LIMIT 1`,
		workOrderID, category,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s artifact for %s: %w", category, workOrderID, err)
	}
	return artifact, nil
}

// ListEscalations implements queue.ReviewLog.
func (s *Store) ListEscalations(ctx context.Context, limit int) ([]queue.Artifact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT a.run_id, a.work_order_id, a.category, a.payload, a.updated_at
         FROM artifacts a
         JOIN workflow_runs r ON r.run_id = a.run_id
         WHERE a.category = $1 AND r.status = $2
           AND NOT EXISTS (SELECT 1 FROM review_actions ra WHERE ra.work_order_id = a.work_order_id)
         ORDER BY a.updated_at DESC
         LIMIT $3`,
		queue.CategoryEscalations, string(queue.RunNeedsHumanReview), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var out []queue.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *artifact)
	}
	return out, rows.Err()
}

// RecordReview implements queue.ReviewLog. A transaction-scoped advisory
// lock on the work order serialises concurrent reviews of it.
func (s *Store) RecordReview(ctx context.Context, action queue.ReviewAction, decision *precedent.Record) (bool, error) {
	var first bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		now := s.timestamp()
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, action.WorkOrderID); err != nil {
			return err
		}
		var earlier bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM review_actions WHERE work_order_id = $1)`, action.WorkOrderID,
		).Scan(&earlier); err != nil {
			return err
		}
		first = !earlier
		created := action.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO review_actions (work_order_id, action, reviewer, edited_body, created_at) VALUES ($1, $2, $3, $4, $5)`,
			action.WorkOrderID, action.Action, action.Reviewer, nullable(action.EditedBody), created,
		); err != nil {
			return err
		}
		if first && decision != nil {
			return insertPrecedent(ctx, tx, *decision, now)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record review %s: %w", action.WorkOrderID, err)
	}
	return first, nil
}
