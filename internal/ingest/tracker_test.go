package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"

	"replydesk/internal/ingest"
	"replydesk/internal/logging"
	"replydesk/internal/queue"
	"replydesk/internal/testsupport"
)

type row map[string]any

func workOrderRow(id string) row {
	return row{"work_order": row{"id": id, "sender": "person@example.com", "subject": "hello"}}
}

func newTracker(t *testing.T) (*ingest.Tracker, *queue.MemoryStore, string, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "actionable.jsonl")
	statePath := filepath.Join(dir, "state", "ingest_state.json")
	store := queue.NewMemoryStore()
	return ingest.NewTracker(store, logPath, statePath, logging.NewNop()), store, logPath, statePath
}

func pass(t *testing.T, tracker *ingest.Tracker) ingest.Stats {
	t.Helper()
	stats, err := tracker.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	return stats
}

func jobIDs(t *testing.T, store *queue.MemoryStore) map[string]bool {
	t.Helper()
	jobs, err := store.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	ids := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		ids[job.WorkOrderID] = true
	}
	return ids
}

func TestPassMissingLog(t *testing.T) {
	tracker, _, _, _ := newTracker(t)
	if stats := pass(t, tracker); stats != (ingest.Stats{}) {
		t.Fatalf("expected zero stats, got %+v", stats)
	}
}

func TestPassEnqueuesNewLinesOnce(t *testing.T) {
	tracker, store, logPath, statePath := newTracker(t)
	testsupport.WriteJSONLines(t, logPath,
		workOrderRow("wo-1"),
		row{"event": "ignored"},
		workOrderRow("wo-2"),
	)

	stats := pass(t, tracker)
	if stats.RowsRead != 3 || stats.RowsEnqueued != 2 || stats.RowsSkipped != 1 {
		t.Fatalf("unexpected first pass %+v", stats)
	}
	ids := jobIDs(t, store)
	if len(ids) != 2 || !ids["wo-1"] || !ids["wo-2"] {
		t.Fatalf("unexpected jobs %v", ids)
	}

	if stats := pass(t, tracker); stats.RowsRead != 0 {
		t.Fatalf("second pass must read nothing, got %+v", stats)
	}

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat log: %v", err)
	}
	state, err := ingest.LoadState(statePath)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if state.Offset != info.Size() || state.StartSig == "" {
		t.Fatalf("unexpected state %+v for size %d", state, info.Size())
	}
}

func TestPassStoresInnerWorkOrder(t *testing.T) {
	tracker, store, logPath, _ := newTracker(t)
	testsupport.AppendLine(t, logPath, `{"work_order":{"id":17,"subject":"numeric id"}}`+"\n")
	pass(t, tracker)

	jobs, err := store.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].WorkOrderID != "17" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	var payload map[string]any
	if err := json.Unmarshal(jobs[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["subject"] != "numeric id" {
		t.Fatalf("expected the inner work order, got %s", jobs[0].Payload)
	}
}

func TestPassWaitsForPartialLine(t *testing.T) {
	tracker, store, logPath, _ := newTracker(t)
	testsupport.AppendLine(t, logPath, `{"work_order":{"id":"wo-9",`)

	if stats := pass(t, tracker); stats.RowsRead != 0 {
		t.Fatalf("partial line must wait, got %+v", stats)
	}
	testsupport.AppendLine(t, logPath, `"subject":"late"}}`+"\n")
	if stats := pass(t, tracker); stats.RowsEnqueued != 1 {
		t.Fatalf("expected the completed line, got %+v", stats)
	}
	if !jobIDs(t, store)["wo-9"] {
		t.Fatal("expected wo-9 to be enqueued")
	}
}

func TestPassCountsDuplicates(t *testing.T) {
	tracker, _, logPath, _ := newTracker(t)
	testsupport.WriteJSONLines(t, logPath, workOrderRow("wo-1"), workOrderRow("wo-1"))

	stats := pass(t, tracker)
	if stats.RowsEnqueued != 1 || stats.RowsDuplicate != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestPassDetectsRotation(t *testing.T) {
	tracker, store, logPath, _ := newTracker(t)
	testsupport.WriteJSONLines(t, logPath, workOrderRow("wo-old"))
	pass(t, tracker)

	testsupport.WriteJSONLines(t, logPath, workOrderRow("wo-new"))
	stats := pass(t, tracker)
	if !stats.Reset || stats.RowsEnqueued != 1 {
		t.Fatalf("expected a reset pass, got %+v", stats)
	}
	if !jobIDs(t, store)["wo-new"] {
		t.Fatal("expected the rotated log to be read")
	}
}

func TestPassDetectsTruncation(t *testing.T) {
	tracker, _, logPath, _ := newTracker(t)
	testsupport.WriteJSONLines(t, logPath, workOrderRow("wo-1"), workOrderRow("wo-2"))
	pass(t, tracker)

	if err := os.Truncate(logPath, 0); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	testsupport.AppendLine(t, logPath, "{}\n")
	stats := pass(t, tracker)
	if !stats.Reset || stats.RowsSkipped != 1 {
		t.Fatalf("expected a reset pass, got %+v", stats)
	}
}

func TestPassRecoversFromCorruptState(t *testing.T) {
	tracker, _, logPath, statePath := newTracker(t)
	testsupport.WriteJSONLines(t, logPath, workOrderRow("wo-1"))
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(statePath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}

	if stats := pass(t, tracker); stats.RowsEnqueued != 1 {
		t.Fatalf("expected a full read, got %+v", stats)
	}
}

func TestPassBusyWhenLocked(t *testing.T) {
	tracker, _, logPath, statePath := newTracker(t)
	testsupport.WriteJSONLines(t, logPath, workOrderRow("wo-1"))
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	held := flock.New(statePath + ".lock")
	locked, err := held.TryLock()
	if err != nil || !locked {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer held.Unlock()

	if _, err := tracker.Pass(context.Background()); !errors.Is(err, ingest.ErrIngestBusy) {
		t.Fatalf("expected ErrIngestBusy, got %v", err)
	}
}

type flakyQueue struct {
	inner ingest.Enqueuer
	calls int
}

func (f *flakyQueue) Enqueue(ctx context.Context, workOrderID string, payload json.RawMessage) (string, bool, error) {
	f.calls++
	if f.calls > 1 {
		return "", false, errors.New("database is locked")
	}
	return f.inner.Enqueue(ctx, workOrderID, payload)
}

func TestPassStopsAtFailedEnqueue(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "actionable.jsonl")
	statePath := filepath.Join(dir, "ingest_state.json")
	store := queue.NewMemoryStore()
	flaky := &flakyQueue{inner: store}
	tracker := ingest.NewTracker(flaky, logPath, statePath, logging.NewNop())

	first, _ := json.Marshal(workOrderRow("wo-1"))
	testsupport.WriteJSONLines(t, logPath, workOrderRow("wo-1"), workOrderRow("wo-2"))
	if _, err := tracker.Pass(context.Background()); err == nil {
		t.Fatal("expected the enqueue failure to surface")
	}
	state, err := ingest.LoadState(statePath)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if state.Offset != int64(len(first)+1) {
		t.Fatalf("offset %d should stop after the first line (%d)", state.Offset, len(first)+1)
	}

	flaky.calls = -10
	stats := pass(t, tracker)
	if stats.RowsEnqueued != 1 || !jobIDs(t, store)["wo-2"] {
		t.Fatalf("expected wo-2 on the retry pass, got %+v", stats)
	}
}
