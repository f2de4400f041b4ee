package testsupport

import (
	"context"
	"encoding/json"
	"testing"

	"replydesk/internal/config"
	"replydesk/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...queue.Option) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg, opts...)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustEnqueue enqueues a work order payload and returns the job id.
func MustEnqueue(t testing.TB, q queue.JobQueue, workOrderID string, payload any) string {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	jobID, _, err := q.Enqueue(context.Background(), workOrderID, raw)
	if err != nil {
		t.Fatalf("queue.Enqueue: %v", err)
	}
	return jobID
}
