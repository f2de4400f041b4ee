// Package queuetest is a behavioural suite shared by every queue.Backend
// implementation.
package queuetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"replydesk/internal/escalation"
	"replydesk/internal/precedent"
	"replydesk/internal/queue"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory opens a fresh, empty backend driven by clock. The backend must use
// queue.DefaultBackoff and a max attempts of 3 for new jobs.
type Factory func(t *testing.T, clock *Clock) queue.Backend

// Run exercises the backend contract.
func Run(t *testing.T, factory Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(*testing.T, queue.Backend, *Clock)
	}{
		{"EnqueueIsIdempotent", testEnqueueIsIdempotent},
		{"ClaimOrderAndEmpty", testClaimOrderAndEmpty},
		{"ConcurrentClaimsArePartitioned", testConcurrentClaims},
		{"RetryFollowsBackoffLadder", testRetryBackoff},
		{"DeadLetterAndRetry", testDeadLetterAndRetry},
		{"RecoverStale", testRecoverStale},
		{"LeaseLost", testLeaseLost},
		{"RunUpsertAndEvents", testRunUpsertAndEvents},
		{"ArtifactsLatestWins", testArtifactsLatestWins},
		{"PublishLifecycle", testPublishLifecycle},
		{"Precedents", testPrecedents},
		{"Escalations", testEscalations},
		{"RepeatedReviewAddsOnePrecedent", testRepeatedReview},
		{"Health", testHealth},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := NewClock()
			backend := factory(t, clock)
			t.Cleanup(func() { _ = backend.Close() })
			tc.fn(t, backend, clock)
		})
	}
}

func payload(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"work_order_id":%q,"text":"hello"}`, id))
}

func mustEnqueue(t *testing.T, b queue.Backend, id string) string {
	t.Helper()
	jobID, _, err := b.Enqueue(context.Background(), id, payload(id))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return jobID
}

func mustClaim(t *testing.T, b queue.Backend, worker string) *queue.Job {
	t.Helper()
	job, err := b.ClaimNext(context.Background(), worker)
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if job == nil {
		t.Fatal("expected a claimable job")
	}
	return job
}

func testEnqueueIsIdempotent(t *testing.T, b queue.Backend, _ *Clock) {
	ctx := context.Background()
	first, created, err := b.Enqueue(ctx, "wo-1", payload("wo-1"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !created {
		t.Fatal("expected first enqueue to create a job")
	}
	second, created, err := b.Enqueue(ctx, "wo-1", payload("wo-1"))
	if err != nil {
		t.Fatalf("second Enqueue failed: %v", err)
	}
	if created || second != first {
		t.Fatalf("expected existing job %s, got %s (created=%v)", first, second, created)
	}
	jobs, err := b.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.Status != queue.JobQueued || job.Attempts != 0 || job.MaxAttempts != 3 {
		t.Fatalf("unexpected job state: %+v", job)
	}
	if _, _, err := b.Enqueue(ctx, "  ", nil); err == nil {
		t.Fatal("expected error for blank work order id")
	}
}

func testClaimOrderAndEmpty(t *testing.T, b queue.Backend, clock *Clock) {
	ctx := context.Background()
	if job, err := b.ClaimNext(ctx, "w1"); err != nil || job != nil {
		t.Fatalf("expected empty claim, got %+v err=%v", job, err)
	}
	first := mustEnqueue(t, b, "wo-a")
	clock.Advance(time.Second)
	mustEnqueue(t, b, "wo-b")

	job := mustClaim(t, b, "w1")
	if job.ID != first {
		t.Fatalf("expected oldest job %s, got %s", first, job.ID)
	}
	if job.Status != queue.JobRunning || job.Attempts != 1 || job.WorkerID != "w1" || job.LockedAt == nil {
		t.Fatalf("unexpected claimed job: %+v", job)
	}
	var body map[string]any
	if err := json.Unmarshal(job.Payload, &body); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if body["work_order_id"] != "wo-a" {
		t.Fatalf("payload lost: %v", body)
	}
}

func testConcurrentClaims(t *testing.T, b queue.Backend, _ *Clock) {
	const jobs = 12
	for i := range jobs {
		mustEnqueue(t, b, fmt.Sprintf("wo-%02d", i))
	}
	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		wg      sync.WaitGroup
		errs    = make(chan error, 4)
	)
	for w := range 4 {
		worker := fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := b.ClaimNext(context.Background(), worker)
				if err != nil {
					errs <- err
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, ok := claimed[job.ID]; ok {
					mu.Unlock()
					errs <- fmt.Errorf("job %s claimed by %s and %s", job.ID, prev, worker)
					return
				}
				claimed[job.ID] = worker
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent claim failed: %v", err)
	}
	if len(claimed) != jobs {
		t.Fatalf("expected %d distinct claims, got %d", jobs, len(claimed))
	}
}

func testRetryBackoff(t *testing.T, b queue.Backend, clock *Clock) {
	ctx := context.Background()
	jobID := mustEnqueue(t, b, "wo-retry")
	ladder := queue.DefaultBackoff()
	for attempt := 1; attempt < 3; attempt++ {
		job := mustClaim(t, b, "w1")
		if job.Attempts != attempt {
			t.Fatalf("expected attempts %d, got %d", attempt, job.Attempts)
		}
		status, err := b.MarkRetry(ctx, jobID, "w1", "boom", 3)
		if err != nil {
			t.Fatalf("MarkRetry failed: %v", err)
		}
		if status != queue.JobQueued {
			t.Fatalf("expected queued, got %s", status)
		}
		if job, err := b.ClaimNext(ctx, "w1"); err != nil || job != nil {
			t.Fatalf("job available before backoff elapsed: %+v err=%v", job, err)
		}
		clock.Advance(ladder[attempt-1] - time.Second)
		if job, _ := b.ClaimNext(ctx, "w1"); job != nil {
			t.Fatal("job available one second early")
		}
		clock.Advance(time.Second)
	}
	mustClaim(t, b, "w1")
	status, err := b.MarkRetry(ctx, jobID, "w1", "boom", 3)
	if err != nil {
		t.Fatalf("final MarkRetry failed: %v", err)
	}
	if status != queue.JobDeadLetter {
		t.Fatalf("expected dead_letter at max attempts, got %s", status)
	}
	jobs, _ := b.ListJobs(ctx, queue.JobDeadLetter)
	if len(jobs) != 1 || jobs[0].LastError != "boom" || jobs[0].WorkerID != "" {
		t.Fatalf("unexpected dead-letter row: %+v", jobs)
	}
}

func testDeadLetterAndRetry(t *testing.T, b queue.Backend, _ *Clock) {
	ctx := context.Background()
	jobID := mustEnqueue(t, b, "wo-dl")
	mustClaim(t, b, "w1")
	long := make([]byte, 1500)
	for i := range long {
		long[i] = 'x'
	}
	if err := b.MarkDeadLetter(ctx, jobID, "w1", string(long)); err != nil {
		t.Fatalf("MarkDeadLetter failed: %v", err)
	}
	jobs, _ := b.ListJobs(ctx, queue.JobDeadLetter)
	if len(jobs) != 1 || len(jobs[0].LastError) != 1000 {
		t.Fatalf("expected truncated dead-letter error, got %+v", jobs)
	}
	n, err := b.RetryDeadLetter(ctx)
	if err != nil {
		t.Fatalf("RetryDeadLetter failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 retried job, got %d", n)
	}
	job := mustClaim(t, b, "w2")
	if job.Attempts != 1 {
		t.Fatalf("expected attempts reset, got %d", job.Attempts)
	}
	if err := b.MarkDone(ctx, jobID, "w2"); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	done, _ := b.ListJobs(ctx, queue.JobDone)
	if len(done) != 1 || done[0].LastError != "" {
		t.Fatalf("unexpected done rows: %+v", done)
	}
}

func testRecoverStale(t *testing.T, b queue.Backend, clock *Clock) {
	ctx := context.Background()
	staleID := mustEnqueue(t, b, "wo-stale")
	mustEnqueue(t, b, "wo-fresh")
	mustClaim(t, b, "w1")
	clock.Advance(10 * time.Minute)
	fresh := mustClaim(t, b, "w2")

	n, err := b.RecoverStale(ctx, 5*time.Minute, 3, 100)
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered job, got %d", n)
	}
	queued, _ := b.ListJobs(ctx, queue.JobQueued)
	if len(queued) != 1 || queued[0].ID != staleID || queued[0].LastError != "stale_running_recovered" {
		t.Fatalf("unexpected recovered rows: %+v", queued)
	}
	running, _ := b.ListJobs(ctx, queue.JobRunning)
	if len(running) != 1 || running[0].ID != fresh.ID {
		t.Fatalf("fresh job disturbed: %+v", running)
	}
	if err := b.MarkDone(ctx, staleID, "w1"); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for reclaimed job, got %v", err)
	}

	// A heartbeat keeps the fresh job alive; exhausted attempts dead-letter.
	clock.Advance(4 * time.Minute)
	if err := b.Heartbeat(ctx, fresh.ID, "w2"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	clock.Advance(4 * time.Minute)
	if n, _ := b.RecoverStale(ctx, 5*time.Minute, 3, 100); n != 0 {
		t.Fatalf("heartbeat did not protect job, recovered %d", n)
	}
	clock.Advance(2 * time.Minute)
	if n, _ := b.RecoverStale(ctx, 5*time.Minute, 1, 100); n != 1 {
		t.Fatalf("expected exhausted job recovered, got %d", n)
	}
	dead, _ := b.ListJobs(ctx, queue.JobDeadLetter)
	if len(dead) != 1 || dead[0].ID != fresh.ID {
		t.Fatalf("expected exhausted job dead-lettered: %+v", dead)
	}
}

func testLeaseLost(t *testing.T, b queue.Backend, _ *Clock) {
	ctx := context.Background()
	jobID := mustEnqueue(t, b, "wo-lease")
	mustClaim(t, b, "owner")
	if err := b.Heartbeat(ctx, jobID, "intruder"); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost on heartbeat, got %v", err)
	}
	if err := b.MarkDone(ctx, jobID, "intruder"); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost on done, got %v", err)
	}
	if _, err := b.MarkRetry(ctx, jobID, "intruder", "x", 3); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost on retry, got %v", err)
	}
	if err := b.MarkDone(ctx, "job_missing", "owner"); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for unknown job, got %v", err)
	}
	if err := b.MarkDone(ctx, jobID, "owner"); err != nil {
		t.Fatalf("MarkDone by owner failed: %v", err)
	}
	if err := b.MarkDone(ctx, jobID, "owner"); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost after completion, got %v", err)
	}
}

func testRunUpsertAndEvents(t *testing.T, b queue.Backend, _ *Clock) {
	ctx := context.Background()
	if _, err := b.GetRun(ctx, "wo-run"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	run, err := b.StartRun(ctx, "wo-run")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	for _, stage := range []string{"tier", "context", "draft"} {
		if err := b.AppendEvent(ctx, queue.StageEvent{RunID: run.ID, Stage: stage, Status: "ok", Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}
	if err := b.FinishRun(ctx, run.ID, queue.RunNeedsHumanReview, "policy"); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	again, err := b.StartRun(ctx, "wo-run")
	if err != nil {
		t.Fatalf("second StartRun failed: %v", err)
	}
	if again.ID != run.ID || again.Status != queue.RunRunning {
		t.Fatalf("expected upserted run %s running, got %+v", run.ID, again)
	}
	events, err := b.ListEvents(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 3 || events[0].Stage != "tier" || events[2].Stage != "draft" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if err := b.FinishRun(ctx, run.ID, queue.RunCompleted, "publish"); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	got, err := b.GetRun(ctx, "wo-run")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != queue.RunCompleted || got.CurrentStage != "publish" {
		t.Fatalf("unexpected run: %+v", got)
	}
	if err := b.FinishRun(ctx, "run_missing", queue.RunCompleted, "publish"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown run, got %v", err)
	}
}

func testArtifactsLatestWins(t *testing.T, b queue.Backend, clock *Clock) {
	ctx := context.Background()
	run, err := b.StartRun(ctx, "wo-art")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if _, err := b.PersistArtifact(ctx, run.ID, "wo-art", "draft", json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("PersistArtifact failed: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := b.PersistArtifact(ctx, run.ID, "wo-art", "draft", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("PersistArtifact failed: %v", err)
	}
	if _, err := b.PersistArtifact(ctx, run.ID, "wo-art", "fact", json.RawMessage(`{"ignored":true}`)); err != nil {
		t.Fatalf("PersistArtifact for uncategorised stage failed: %v", err)
	}
	artifact, err := b.LatestArtifact(ctx, "wo-art", queue.CategoryDrafts)
	if err != nil {
		t.Fatalf("LatestArtifact failed: %v", err)
	}
	if artifact == nil || string(artifact.Payload) != `{"v":2}` {
		t.Fatalf("expected latest draft, got %+v", artifact)
	}
	if missing, err := b.LatestArtifact(ctx, "wo-art", queue.CategoryQAResults); err != nil || missing != nil {
		t.Fatalf("expected no qa artifact, got %+v err=%v", missing, err)
	}

	publish := json.RawMessage(`{"work_order_id":"wo-art","send":true}`)
	created, err := b.PersistArtifact(ctx, run.ID, "wo-art", "publish", publish)
	if err != nil {
		t.Fatalf("PersistArtifact publish failed: %v", err)
	}
	if !created {
		t.Fatal("expected the first publish artifact to insert a publish row")
	}
	created, err = b.PersistArtifact(ctx, run.ID, "wo-art", "publish", publish)
	if err != nil {
		t.Fatalf("second PersistArtifact publish failed: %v", err)
	}
	if created {
		t.Fatal("a second publish artifact must not report a new publish row")
	}
	rows, err := b.ListPublish(ctx)
	if err != nil {
		t.Fatalf("ListPublish failed: %v", err)
	}
	if len(rows) != 1 || rows[0].WorkOrderID != "wo-art" || rows[0].Status != queue.PublishQueued {
		t.Fatalf("expected one queued publish row, got %+v", rows)
	}
}

func testPublishLifecycle(t *testing.T, b queue.Backend, clock *Clock) {
	ctx := context.Background()
	if row, err := b.ClaimNextPublish(ctx); err != nil || row != nil {
		t.Fatalf("expected empty publish claim, got %+v err=%v", row, err)
	}
	for _, id := range []string{"wo-p1", "wo-p2"} {
		created, err := b.EnqueuePublish(ctx, id, payload(id))
		if err != nil || !created {
			t.Fatalf("EnqueuePublish(%s) created=%v err=%v", id, created, err)
		}
		clock.Advance(time.Second)
	}
	if created, _ := b.EnqueuePublish(ctx, "wo-p1", payload("wo-p1")); created {
		t.Fatal("expected duplicate publish row to be ignored")
	}

	first, err := b.ClaimNextPublish(ctx)
	if err != nil || first == nil {
		t.Fatalf("ClaimNextPublish failed: %+v err=%v", first, err)
	}
	if first.WorkOrderID != "wo-p1" || first.Status != queue.PublishRunning || first.Attempts != 1 {
		t.Fatalf("unexpected claimed row: %+v", first)
	}
	if err := b.MarkDispatched(ctx, first.ID, "send_false"); err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}
	if err := b.MarkDispatched(ctx, first.ID, ""); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost re-dispatching, got %v", err)
	}

	second, _ := b.ClaimNextPublish(ctx)
	status, err := b.MarkPublishRetryOrDeadLetter(ctx, second.ID, "webhook_http_500", 2)
	if err != nil || status != queue.PublishQueued {
		t.Fatalf("expected requeue, got %s err=%v", status, err)
	}
	second, _ = b.ClaimNextPublish(ctx)
	if second.Attempts != 2 {
		t.Fatalf("expected attempts 2, got %d", second.Attempts)
	}
	status, err = b.MarkPublishRetryOrDeadLetter(ctx, second.ID, "webhook_http_500", 2)
	if err != nil || status != queue.PublishDeadLetter {
		t.Fatalf("expected dead_letter, got %s err=%v", status, err)
	}

	dispatched, _ := b.ListPublish(ctx, queue.PublishDispatched)
	if len(dispatched) != 1 || dispatched[0].Note != "send_false" || dispatched[0].DispatchedAt == nil {
		t.Fatalf("unexpected dispatched rows: %+v", dispatched)
	}
	n, err := b.RetryDeadLetterPublish(ctx, second.ID)
	if err != nil || n != 1 {
		t.Fatalf("RetryDeadLetterPublish n=%d err=%v", n, err)
	}
	queued, _ := b.ListPublish(ctx, queue.PublishQueued)
	if len(queued) != 1 || queued[0].Attempts != 0 || queued[0].LastError != "" {
		t.Fatalf("unexpected requeued row: %+v", queued)
	}
}

func testPrecedents(t *testing.T, b queue.Backend, clock *Clock) {
	ctx := context.Background()
	for _, decision := range []string{"approve", "approve", "reject"} {
		record := precedent.Record{
			Timestamp: clock.Now(),
			Key:       "acme.io|support|B",
			Sender:    "ops@acme.io",
			Labels:    []string{"support"},
			Tier:      escalation.TierB,
			Decision:  decision,
			Source:    "human_review_action",
		}
		if err := b.AppendPrecedent(ctx, record); err != nil {
			t.Fatalf("AppendPrecedent failed: %v", err)
		}
		clock.Advance(time.Second)
	}
	if err := b.AppendPrecedent(ctx, precedent.Record{Key: "other|x|A", Decision: "reject", Tier: escalation.TierA}); err != nil {
		t.Fatalf("AppendPrecedent failed: %v", err)
	}
	records, err := b.PrecedentsByKey(ctx, "acme.io|support|B")
	if err != nil {
		t.Fatalf("PrecedentsByKey failed: %v", err)
	}
	if len(records) != 3 || records[0].Decision != "approve" || records[2].Decision != "reject" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if len(records[0].Labels) != 1 || records[0].Labels[0] != "support" || records[0].Tier != escalation.TierB {
		t.Fatalf("record fields lost: %+v", records[0])
	}

	result, err := precedent.NewMemory(b, 2, 0.6).Lookup(ctx, "acme.io|support|B")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !result.Approving() || result.Samples != 3 {
		t.Fatalf("unexpected lookup: %+v", result)
	}
}

func testEscalations(t *testing.T, b queue.Backend, clock *Clock) {
	ctx := context.Background()
	for _, id := range []string{"wo-e1", "wo-e2", "wo-ok"} {
		run, err := b.StartRun(ctx, id)
		if err != nil {
			t.Fatalf("StartRun failed: %v", err)
		}
		if _, err := b.PersistArtifact(ctx, run.ID, id, "policy", json.RawMessage(`{"needs_human_review":true}`)); err != nil {
			t.Fatalf("PersistArtifact failed: %v", err)
		}
		status := queue.RunNeedsHumanReview
		if id == "wo-ok" {
			status = queue.RunCompleted
		}
		if err := b.FinishRun(ctx, run.ID, status, "policy"); err != nil {
			t.Fatalf("FinishRun failed: %v", err)
		}
		clock.Advance(time.Second)
	}
	pending, err := b.ListEscalations(ctx, 10)
	if err != nil {
		t.Fatalf("ListEscalations failed: %v", err)
	}
	if len(pending) != 2 || pending[0].WorkOrderID != "wo-e2" {
		t.Fatalf("expected two escalations newest first, got %+v", pending)
	}
	if _, err := b.RecordReview(ctx, queue.ReviewAction{WorkOrderID: "wo-e2", Action: "approve", Reviewer: "sam"}, nil); err != nil {
		t.Fatalf("RecordReview failed: %v", err)
	}
	pending, _ = b.ListEscalations(ctx, 10)
	if len(pending) != 1 || pending[0].WorkOrderID != "wo-e1" {
		t.Fatalf("expected reviewed escalation hidden, got %+v", pending)
	}
}

func testRepeatedReview(t *testing.T, b queue.Backend, _ *Clock) {
	ctx := context.Background()
	decision := precedent.Record{
		Key:      "example.com|support|B",
		Sender:   "person@example.com",
		Labels:   []string{"support"},
		Tier:     escalation.TierB,
		Decision: precedent.DecisionApprove,
		Source:   "human_review",
	}
	action := queue.ReviewAction{WorkOrderID: "wo-r1", Action: "approve", Reviewer: "sam"}
	for i, wantFirst := range []bool{true, false, false} {
		first, err := b.RecordReview(ctx, action, &decision)
		if err != nil {
			t.Fatalf("RecordReview failed: %v", err)
		}
		if first != wantFirst {
			t.Fatalf("call %d: expected first=%v, got %v", i, wantFirst, first)
		}
	}
	records, err := b.PrecedentsByKey(ctx, decision.Key)
	if err != nil {
		t.Fatalf("PrecedentsByKey failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one precedent after repeated reviews, got %d", len(records))
	}

	// Another work order with the same key still counts.
	first, err := b.RecordReview(ctx, queue.ReviewAction{WorkOrderID: "wo-r2", Action: "approve", Reviewer: "sam"}, &decision)
	if err != nil || !first {
		t.Fatalf("expected first review of wo-r2, got first=%v err=%v", first, err)
	}
	records, _ = b.PrecedentsByKey(ctx, decision.Key)
	if len(records) != 2 {
		t.Fatalf("expected two precedents, got %d", len(records))
	}
}

func testHealth(t *testing.T, b queue.Backend, clock *Clock) {
	ctx := context.Background()
	mustEnqueue(t, b, "wo-h1")
	mustEnqueue(t, b, "wo-h2")
	mustClaim(t, b, "w1")
	clock.Advance(90 * time.Second)
	health, err := b.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.TotalJobs != 2 || health.Jobs[queue.JobQueued] != 1 || health.Jobs[queue.JobRunning] != 1 {
		t.Fatalf("unexpected counts: %+v", health)
	}
	if health.OldestQueuedAge != 90*time.Second {
		t.Fatalf("expected oldest queued age 90s, got %s", health.OldestQueuedAge)
	}
	db, err := b.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	if !db.Reachable || len(db.MissingTables) != 0 {
		t.Fatalf("unexpected database health: %+v", db)
	}
}
