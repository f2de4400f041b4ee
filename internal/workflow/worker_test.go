package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"replydesk/internal/ingest"
	"replydesk/internal/logging"
	"replydesk/internal/notifications"
	"replydesk/internal/queue"
	"replydesk/internal/queue/queuetest"
	"replydesk/internal/testsupport"
	"replydesk/internal/workflow"
	"replydesk/internal/workorder"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (n *recordingNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) count(event notifications.Event) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, e := range n.events {
		if e == event {
			total++
		}
	}
	return total
}

type harness struct {
	store    *queue.MemoryStore
	clock    *queuetest.Clock
	notifier *recordingNotifier
	worker   *workflow.Worker
}

func newHarness(t *testing.T, runs queue.RunStore, jobs queue.JobQueue) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	clock := queuetest.NewClock()
	store := queue.NewMemoryStore(queue.WithClock(clock.Now))
	if runs == nil {
		runs = store
	}
	if jobs == nil {
		jobs = store
	}
	p, err := workflow.NewPipeline(cfg, store, logging.NewNop())
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	notifier := &recordingNotifier{}
	supervisor := workflow.NewSupervisor(runs, p, notifier, logging.NewNop())
	worker := workflow.NewWorker(jobs, supervisor, workflow.WorkerOptions{
		WorkerID:    "worker-test",
		MaxAttempts: 3,
		Notifier:    notifier,
		Logger:      logging.NewNop(),
	})
	return &harness{store: store, clock: clock, notifier: notifier, worker: worker}
}

func ackWorkOrder(id string) map[string]any {
	return map[string]any{
		"id":      id,
		"sender":  "person@example.com",
		"subject": "Thanks, received. Share times.",
		"labels":  []string{"support"},
	}
}

func TestRunOnceEmptyQueue(t *testing.T) {
	h := newHarness(t, nil, nil)

	summary, err := h.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	data, err := json.Marshal(summary)
	if err != nil {
		t.Fatalf("marshal summary: %v", err)
	}
	if string(data) != `{"status":"empty"}` {
		t.Fatalf("unexpected empty summary %s", data)
	}
}

func TestRunOnceAutoPublishesAcknowledgement(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	jobID := testsupport.MustEnqueue(t, h.store, "wo-ack", ackWorkOrder("wo-ack"))

	summary, err := h.worker.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if summary.Status != workflow.StatusDone || summary.JobID != jobID {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Result == nil || !summary.Result.PublishQueued || summary.Result.NeedsHumanReview {
		t.Fatalf("expected an auto-published run, got %+v", summary.Result)
	}
	if summary.Result.Status != queue.RunCompleted || summary.Result.FinalStage != "publish" {
		t.Fatalf("unexpected run report %+v", summary.Result)
	}

	run, err := h.store.GetRun(ctx, "wo-ack")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != queue.RunCompleted {
		t.Fatalf("expected completed run, got %s", run.Status)
	}
	events, err := h.store.ListEvents(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	wantStages := []string{"tier", "context", "draft", "tone", "fact", "qa", "policy", "publish"}
	if len(events) != len(wantStages) {
		t.Fatalf("expected %d events, got %d", len(wantStages), len(events))
	}
	for i, stage := range wantStages {
		if events[i].Stage != stage {
			t.Fatalf("event %d: expected stage %s, got %s", i, stage, events[i].Stage)
		}
	}
	var tier struct {
		Tier string `json:"tier"`
	}
	if err := json.Unmarshal(events[0].Payload, &tier); err != nil {
		t.Fatalf("decode tier event: %v", err)
	}
	if tier.Tier != "A" {
		t.Fatalf("expected tier A, got %q", tier.Tier)
	}

	rows, err := h.store.ListPublish(ctx)
	if err != nil {
		t.Fatalf("ListPublish failed: %v", err)
	}
	if len(rows) != 1 || rows[0].WorkOrderID != "wo-ack" || rows[0].Status != queue.PublishQueued {
		t.Fatalf("expected one queued publish row, got %+v", rows)
	}
	draft, err := h.store.LatestArtifact(ctx, "wo-ack", queue.CategoryDrafts)
	if err != nil {
		t.Fatalf("LatestArtifact failed: %v", err)
	}
	var body struct {
		Agent string `json:"agent"`
	}
	if err := json.Unmarshal(draft.Payload, &body); err != nil {
		t.Fatalf("decode draft: %v", err)
	}
	if body.Agent != "template_fallback" {
		t.Fatalf("expected template draft, got %q", body.Agent)
	}

	jobs, err := h.store.ListJobs(ctx, queue.JobDone)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected the job to be done, got %d done jobs", len(jobs))
	}
}

func TestRunOnceHoldsTierCForReview(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	testsupport.MustEnqueue(t, h.store, "wo-price", map[string]any{
		"id":      "wo-price",
		"sender":  "buyer@example.com",
		"subject": "Question about pricing for 40 seats",
		"labels":  []string{"sales"},
	})

	summary, err := h.worker.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if summary.Status != workflow.StatusDone {
		t.Fatalf("needs-review runs still finish the job, got %+v", summary)
	}
	if summary.Result.Status != queue.RunNeedsHumanReview || summary.Result.PublishQueued {
		t.Fatalf("expected a held run, got %+v", summary.Result)
	}

	rows, err := h.store.ListPublish(ctx)
	if err != nil {
		t.Fatalf("ListPublish failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("held runs must not publish, got %d rows", len(rows))
	}
	escalations, err := h.store.ListEscalations(ctx, 10)
	if err != nil {
		t.Fatalf("ListEscalations failed: %v", err)
	}
	if len(escalations) != 1 || escalations[0].WorkOrderID != "wo-price" {
		t.Fatalf("expected one escalation, got %+v", escalations)
	}
	if h.notifier.count(notifications.EventEscalated) != 1 {
		t.Fatalf("expected an escalation notification")
	}
}

func TestRunOnceDeadLettersInvalidPayload(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	testsupport.MustEnqueue(t, h.store, "wo-bad", map[string]any{"sender": "x@example.com"})

	summary, err := h.worker.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if summary.Status != workflow.StatusDeadLetter || summary.Error == "" {
		t.Fatalf("expected validation failure to dead-letter, got %+v", summary)
	}
	if h.notifier.count(notifications.EventJobDeadLetter) != 1 {
		t.Fatalf("expected a dead-letter notification")
	}
	dead, err := h.store.ListJobs(ctx, queue.JobDeadLetter)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(dead) != 1 || dead[0].Attempts != 1 {
		t.Fatalf("expected one dead job after one attempt, got %+v", dead)
	}
}

type failingRuns struct {
	queue.RunStore
}

func (failingRuns) StartRun(context.Context, string) (*queue.Run, error) {
	return nil, errors.New("database unavailable")
}

func TestRunOnceRetriesTransientFailuresThenDeadLetters(t *testing.T) {
	h := newHarness(t, failingRuns{}, nil)
	ctx := context.Background()
	testsupport.MustEnqueue(t, h.store, "wo-retry", ackWorkOrder("wo-retry"))

	want := []struct {
		status  string
		advance time.Duration
	}{
		{workflow.StatusRetry, 30 * time.Second},
		{workflow.StatusRetry, 2 * time.Minute},
		{workflow.StatusDeadLetter, 0},
	}
	for i, step := range want {
		summary, err := h.worker.RunOnce(ctx)
		if err != nil {
			t.Fatalf("attempt %d: RunOnce failed: %v", i+1, err)
		}
		if summary.Status != step.status {
			t.Fatalf("attempt %d: expected %s, got %+v", i+1, step.status, summary)
		}
		if step.advance == 0 {
			continue
		}
		early, err := h.worker.RunOnce(ctx)
		if err != nil {
			t.Fatalf("attempt %d: early RunOnce failed: %v", i+1, err)
		}
		if early.Status != workflow.StatusEmpty {
			t.Fatalf("attempt %d: job must wait for its backoff, got %+v", i+1, early)
		}
		h.clock.Advance(step.advance)
	}
	if h.notifier.count(notifications.EventJobDeadLetter) != 1 {
		t.Fatalf("expected one dead-letter notification")
	}
}

type lostLease struct {
	queue.JobQueue
}

func (lostLease) MarkDone(context.Context, string, string) error {
	return queue.ErrLeaseLost
}

func TestRunOnceReportsLostLease(t *testing.T) {
	store := queue.NewMemoryStore()
	h := newHarness(t, store, lostLease{JobQueue: store})
	testsupport.MustEnqueue(t, store, "wo-lease", ackWorkOrder("wo-lease"))

	summary, err := h.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if summary.Status != workflow.StatusLeaseLost {
		t.Fatalf("expected lease_lost, got %+v", summary)
	}
}

func TestSupervisorRerunReusesRun(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	testsupport.MustEnqueue(t, h.store, "wo-twice", ackWorkOrder("wo-twice"))
	first, err := h.worker.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	p, err := workflow.NewPipeline(testsupport.NewConfig(t), h.store, logging.NewNop())
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	raw, err := json.Marshal(ackWorkOrder("wo-twice"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	wo, err := workorder.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	second, err := workflow.NewSupervisor(h.store, p, nil, logging.NewNop()).Run(ctx, wo)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if second.RunID != first.Result.RunID {
		t.Fatalf("expected run %s to be reused, got %s", first.Result.RunID, second.RunID)
	}
	rows, err := h.store.ListPublish(ctx)
	if err != nil {
		t.Fatalf("ListPublish failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("re-running must not add a second publish row, got %d", len(rows))
	}
	if second.PublishQueued {
		t.Fatalf("re-run reported a publish row it did not insert: %+v", second)
	}
}

func TestTrackedNumericIDCompletes(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "actionable.jsonl")
	record := `{"work_order":{"id":42,"sender":"person@example.com","subject":"Thanks, received. Share times.","labels":["support"]}}` + "\n"
	if err := os.WriteFile(logPath, []byte(record), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	tracker := ingest.NewTracker(h.store, logPath, filepath.Join(dir, "tracker.json"), logging.NewNop())
	stats, err := tracker.Pass(ctx)
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	if stats.RowsEnqueued != 1 {
		t.Fatalf("expected one enqueued row, got %+v", stats)
	}

	summary, err := h.worker.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if summary.Status != workflow.StatusDone || summary.WorkOrderID != "42" {
		t.Fatalf("expected work order 42 to complete, got %+v", summary)
	}
	dead, err := h.store.ListJobs(ctx, queue.JobDeadLetter)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(dead) != 0 {
		t.Fatalf("expected no dead letters, got %+v", dead)
	}
}

func TestLoopStopsAfterMaxJobs(t *testing.T) {
	h := newHarness(t, nil, nil)
	for _, id := range []string{"wo-1", "wo-2", "wo-3"} {
		testsupport.MustEnqueue(t, h.store, id, ackWorkOrder(id))
	}

	var seen []string
	stats, err := h.worker.Loop(context.Background(), workflow.LoopOptions{
		Interval:  10 * time.Millisecond,
		MaxJobs:   2,
		OnSummary: func(s workflow.Summary) { seen = append(seen, s.WorkOrderID) },
	})
	if err != nil {
		t.Fatalf("Loop failed: %v", err)
	}
	if stats.Processed != 2 || stats.Done != 2 || len(seen) != 2 {
		t.Fatalf("unexpected loop stats %+v (seen %v)", stats, seen)
	}
	if seen[0] != "wo-1" || seen[1] != "wo-2" {
		t.Fatalf("expected FIFO order, got %v", seen)
	}
}

func TestLoopReturnsOnCancel(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	stats, err := h.worker.Loop(ctx, workflow.LoopOptions{Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Loop failed: %v", err)
	}
	if stats.Processed != 0 {
		t.Fatalf("expected no work, got %+v", stats)
	}
}

func TestLoopRunsReaperAlongside(t *testing.T) {
	h := newHarness(t, nil, nil)
	testsupport.MustEnqueue(t, h.store, "wo-stale", ackWorkOrder("wo-stale"))
	if _, err := h.store.ClaimNext(context.Background(), "crashed"); err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	h.clock.Advance(20 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reaper := workflow.NewReaper(h.store, workflow.ReaperOptions{
		StaleAfter:  15 * time.Minute,
		MaxAttempts: 3,
		Interval:    10 * time.Millisecond,
		Logger:      logging.NewNop(),
	})
	stats, err := h.worker.Loop(ctx, workflow.LoopOptions{
		Interval: 10 * time.Millisecond,
		MaxJobs:  1,
		Reaper:   reaper,
	})
	if err != nil {
		t.Fatalf("Loop failed: %v", err)
	}
	if stats.Done != 1 {
		t.Fatalf("expected the reclaimed job to complete, got %+v", stats)
	}
	if ctx.Err() != nil {
		t.Fatal("loop only finished because the deadline expired")
	}
}

func TestReaperReclaimsAbandonedJobs(t *testing.T) {
	clock := queuetest.NewClock()
	store := queue.NewMemoryStore(queue.WithClock(clock.Now))
	ctx := context.Background()
	testsupport.MustEnqueue(t, store, "wo-stale", ackWorkOrder("wo-stale"))
	testsupport.MustEnqueue(t, store, "wo-fresh", ackWorkOrder("wo-fresh"))
	if _, err := store.ClaimNext(ctx, "crashed"); err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	clock.Advance(20 * time.Minute)
	if _, err := store.ClaimNext(ctx, "alive"); err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}

	reaper := workflow.NewReaper(store, workflow.ReaperOptions{StaleAfter: 15 * time.Minute, MaxAttempts: 3})
	recovered, err := reaper.Pass(ctx)
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected one reclaimed job, got %d", recovered)
	}
	queued, err := store.ListJobs(ctx, queue.JobQueued)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(queued) != 1 || queued[0].WorkOrderID != "wo-stale" {
		t.Fatalf("expected the stale job back in the queue, got %+v", queued)
	}
}
