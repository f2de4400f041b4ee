package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"replydesk/internal/escalation"
	"replydesk/internal/precedent"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPrecedent(ctx context.Context, db execer, record precedent.Record, now time.Time) error {
	labels, err := json.Marshal(record.Labels)
	if err != nil {
		return fmt.Errorf("encode precedent labels: %w", err)
	}
	ts := record.Timestamp
	if ts.IsZero() {
		ts = now
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO precedents (key, sender, labels, tier, decision, source, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.Key, record.Sender, string(labels), string(record.Tier), record.Decision, nullableString(record.Source), formatTime(ts),
	); err != nil {
		return fmt.Errorf("append precedent %s: %w", record.Key, err)
	}
	return nil
}

// AppendPrecedent adds a decision to the precedent log.
func (s *Store) AppendPrecedent(ctx context.Context, record precedent.Record) error {
	return retryOnBusy(ctx, func() error {
		return insertPrecedent(ctx, s.db, record, s.timestamp())
	})
}

// PrecedentsByKey returns every record under key in append order.
func (s *Store) PrecedentsByKey(ctx context.Context, key string) ([]precedent.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, sender, labels, tier, decision, source, created_at FROM precedents WHERE key = ? ORDER BY id`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("query precedents %s: %w", key, err)
	}
	defer rows.Close()

	var records []precedent.Record
	for rows.Next() {
		var (
			record  precedent.Record
			labels  string
			tier    string
			source  sql.NullString
			created string
		)
		if err := rows.Scan(&record.Key, &record.Sender, &labels, &tier, &record.Decision, &source, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(labels), &record.Labels); err != nil {
			return nil, fmt.Errorf("decode precedent labels: %w", err)
		}
		record.Tier = escalation.ParseTier(tier)
		record.Source = source.String
		record.Timestamp = parseTime(created)
		records = append(records, record)
	}
	return records, rows.Err()
}

// LatestArtifact returns the most recent artifact of category for the work
// order, or nil when there is none.
func (s *Store) LatestArtifact(ctx context.Context, workOrderID, category string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE work_order_id = ? AND category = ?
         ORDER BY updated_at DESC LIMIT 1`,
		workOrderID, category,
	)
	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s artifact for %s: %w", category, workOrderID, err)
	}
	return artifact, nil
}

// ListEscalations returns unreviewed escalations of runs awaiting review.
func (s *Store) ListEscalations(ctx context.Context, limit int) ([]Artifact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.run_id, a.work_order_id, a.category, a.payload, a.updated_at
         FROM artifacts a
         JOIN workflow_runs r ON r.run_id = a.run_id
         WHERE a.category = ? AND r.status = ?
           AND NOT EXISTS (SELECT 1 FROM review_actions ra WHERE ra.work_order_id = a.work_order_id)
         ORDER BY a.updated_at DESC
         LIMIT ?`,
		CategoryEscalations, RunNeedsHumanReview, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *artifact)
	}
	return out, rows.Err()
}

// RecordReview implements ReviewLog. Transactions take the write lock at
// BEGIN, so two concurrent reviews of one work order cannot both be first.
func (s *Store) RecordReview(ctx context.Context, action ReviewAction, decision *precedent.Record) (bool, error) {
	var first bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.timestamp()
		var earlier int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM review_actions WHERE work_order_id = ?`, action.WorkOrderID,
		).Scan(&earlier); err != nil {
			return err
		}
		first = earlier == 0
		created := action.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO review_actions (work_order_id, action, reviewer, edited_body, created_at) VALUES (?, ?, ?, ?, ?)`,
			action.WorkOrderID, action.Action, action.Reviewer, nullableString(action.EditedBody), formatTime(created),
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
