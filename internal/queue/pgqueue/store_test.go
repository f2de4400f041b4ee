package pgqueue_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"replydesk/internal/queue"
	"replydesk/internal/queue/pgqueue"
	"replydesk/internal/queue/queuetest"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("replydesk"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func TestPostgresStore(t *testing.T) {
	connStr := startPostgres(t)
	ctx := context.Background()

	queuetest.Run(t, func(t *testing.T, clock *queuetest.Clock) queue.Backend {
		pool, err := pgxpool.New(ctx, connStr)
		require.NoError(t, err)
		store, err := pgqueue.New(ctx, pool, pgqueue.WithClock(clock.Now))
		require.NoError(t, err)
		_, err = pool.Exec(ctx, `TRUNCATE jobs, workflow_events, artifacts, workflow_runs, publish_queue, precedents, review_actions`)
		require.NoError(t, err)
		return store
	})

	t.Run("Health", func(t *testing.T) {
		store, err := pgqueue.Open(ctx, connStr)
		require.NoError(t, err)
		defer store.Close()

		health, err := store.CheckHealth(ctx)
		require.NoError(t, err)
		assert.Equal(t, "postgres", health.Driver)
		assert.Equal(t, 1, health.SchemaVersion)
		assert.Empty(t, health.MissingTables)
	})
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := pgqueue.Open(context.Background(), "  ")
	assert.Error(t, err)
}
