package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"replydesk/internal/config"
)

// Store is the SQLite Backend.
type Store struct {
	db          *sql.DB
	path        string
	now         func() time.Time
	backoff     []time.Duration
	maxAttempts int
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
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

// WithBackoff overrides the retry ladder.
func WithBackoff(ladder []time.Duration) Option {
	return func(s *Store) {
		if len(ladder) > 0 {
			s.backoff = append([]time.Duration(nil), ladder...)
		}
	}
}

// busyWaits is the pause before each retry of a statement that hit
// SQLITE_BUSY despite busy_timeout.
var busyWaits = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond}

func isSQLiteBusy(err error) bool {
	var coded interface{ Code() int }
	switch {
	case err == nil:
		return false
	case errors.As(err, &coded):
		return coded.Code()&0xff == 5 // SQLITE_BUSY, ignoring extended bits
	default:
		return strings.Contains(err.Error(), "database is locked")
	}
}

func retryOnBusy(ctx context.Context, op func() error) error {
	err := op()
	for _, wait := range busyWaits {
		if !isSQLiteBusy(err) {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		err = op()
	}
	return err
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (res sql.Result, err error) {
	err = retryOnBusy(ctx, func() error {
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// withTx runs fn in one transaction, retrying the whole transaction while the
// database is busy. fn must be safe to repeat.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// sqliteDSN applies the pragmas to every pooled connection and takes the
// write lock at BEGIN so read-then-write transactions never deadlock.
func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate", path)
}

// Open connects to the SQLite database named by cfg.Store.SQLitePath,
// creating the schema on first use.
func Open(cfg *config.Config, opts ...Option) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	opts = append([]Option{WithBackoff(cfg.BackoffLadder()), WithMaxAttempts(cfg.Queue.MaxAttempts)}, opts...)
	return OpenPath(cfg.Store.SQLitePath, opts...)
}

// OpenPath connects to the SQLite database at path.
func OpenPath(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	store := &Store{db: db, path: path, now: time.Now, backoff: DefaultBackoff(), maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}
