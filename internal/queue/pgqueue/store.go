// Package pgqueue is the PostgreSQL queue.Backend. Claims use
// FOR UPDATE SKIP LOCKED so any number of worker hosts can share one database.
package pgqueue

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"replydesk/internal/queue"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

var schemaTables = []string{"jobs", "workflow_runs", "workflow_events", "artifacts", "publish_queue", "precedents", "review_actions"}

// Store is a queue.Backend on a pgx connection pool.
type Store struct {
	pool        *pgxpool.Pool
	now         func() time.Time
	backoff     []time.Duration
	maxAttempts int
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source. Every timestamp is bound from Go so
// tests can drive the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBackoff overrides the retry ladder.
func WithBackoff(ladder []time.Duration) Option {
	return func(s *Store) {
		if len(ladder) > 0 {
			s.backoff = append([]time.Duration(nil), ladder...)
		}
	}
}

// WithMaxAttempts sets the attempt ceiling recorded on new jobs.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store, err := New(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing pool. The pool is closed by Close.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	store := &Store{pool: pool, now: time.Now, backoff: queue.DefaultBackoff(), maxAttempts: queue.DefaultMaxAttempts}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serialise concurrent first starts.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(7410)`); err != nil {
			return fmt.Errorf("lock schema: %w", err)
		}
		if _, err := tx.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		var version int
		err := tx.QueryRow(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			_, err = tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, schemaVersion)
			return err
		}
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if version != schemaVersion {
			return fmt.Errorf("%w: postgres has version %d, expected %d", queue.ErrSchemaMismatch, version, schemaVersion)
		}
		return nil
	})
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func statusStrings[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, value := range values {
		out[i] = string(value)
	}
	return out
}

var _ queue.Backend = (*Store)(nil)
