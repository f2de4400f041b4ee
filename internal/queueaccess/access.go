// Package queueaccess opens the queue backend a config names, so every
// command shares one driver switch.
package queueaccess

import (
	"context"
	"fmt"
	"time"

	"replydesk/internal/config"
	"replydesk/internal/queue"
	"replydesk/internal/queue/pgqueue"
	"replydesk/internal/services"
)

// Drivers accepted in store.driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const connectTimeout = 15 * time.Second

// Open connects to the backend selected by cfg.Store.Driver.
func Open(ctx context.Context, cfg *config.Config) (queue.Backend, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "queueaccess", "open", "config is required", nil)
	}
	switch cfg.Store.Driver {
	case DriverSQLite, "":
		store, err := queue.Open(cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite queue: %w", err)
		}
		return store, nil
	case DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		store, err := pgqueue.Open(connectCtx, cfg.Store.PostgresDSN,
			pgqueue.WithBackoff(cfg.BackoffLadder()),
			pgqueue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		)
		if err != nil {
			return nil, fmt.Errorf("open postgres queue: %w", err)
		}
		return store, nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "queueaccess", "open",
			fmt.Sprintf("unsupported store driver %q", cfg.Store.Driver), nil)
	}
}

// OpenMemory returns a process-local backend configured like cfg. Dry runs
// use it so nothing touches the shared store.
func OpenMemory(cfg *config.Config) queue.Backend {
	var opts []queue.Option
	if cfg != nil {
		opts = append(opts, queue.WithBackoff(cfg.BackoffLadder()), queue.WithMaxAttempts(cfg.Queue.MaxAttempts))
	}
	return queue.NewMemoryStore(opts...)
}
