package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"replydesk/internal/precedent"
)

// JobQueue is the durable work queue. Claims are exclusive: a job is held by
// at most one worker, and only that worker or the stale reaper moves it out
// of running.
type JobQueue interface {
	// Enqueue inserts a queued job unless one already exists for the work
	// order, in which case the existing job id is returned with created false.
	Enqueue(ctx context.Context, workOrderID string, payload json.RawMessage) (jobID string, created bool, err error)
	// ClaimNext returns nil when no job is eligible.
	ClaimNext(ctx context.Context, workerID string) (*Job, error)
	Heartbeat(ctx context.Context, jobID, workerID string) error
	MarkDone(ctx context.Context, jobID, workerID string) error
	// MarkRetry requeues with backoff, or dead-letters once attempts reach
	// maxAttempts. It returns the resulting status.
	MarkRetry(ctx context.Context, jobID, workerID, cause string, maxAttempts int) (JobStatus, error)
	MarkDeadLetter(ctx context.Context, jobID, workerID, cause string) error
	// RecoverStale reclaims running jobs whose lock is older than staleAfter.
	RecoverStale(ctx context.Context, staleAfter time.Duration, maxAttempts, limit int) (int, error)
}

// RunStore records workflow runs, their events and artifacts.
type RunStore interface {
	// StartRun upserts the run for workOrderID and marks it running.
	StartRun(ctx context.Context, workOrderID string) (*Run, error)
	AppendEvent(ctx context.Context, event StageEvent) error
	// PersistArtifact stores payload under the stage's category. The publish
	// category also enqueues a publish row when none exists for the work order;
	// created reports whether that row was inserted by this call.
	PersistArtifact(ctx context.Context, runID, workOrderID, stage string, payload json.RawMessage) (created bool, err error)
	FinishRun(ctx context.Context, runID string, status RunStatus, currentStage string) error
	GetRun(ctx context.Context, workOrderID string) (*Run, error)
	ListEvents(ctx context.Context, runID string) ([]StageEvent, error)
}

// PublishQueue is the outbound delivery queue.
type PublishQueue interface {
	EnqueuePublish(ctx context.Context, workOrderID string, payload json.RawMessage) (created bool, err error)
	ClaimNextPublish(ctx context.Context) (*PublishRow, error)
	MarkDispatched(ctx context.Context, id, note string) error
	MarkPublishRetryOrDeadLetter(ctx context.Context, id, cause string, maxAttempts int) (PublishStatus, error)
	RetryDeadLetterPublish(ctx context.Context, ids ...string) (int64, error)
}

// ReviewLog serves the human review collaborator.
type ReviewLog interface {
	LatestArtifact(ctx context.Context, workOrderID, category string) (*Artifact, error)
	// ListEscalations returns escalation artifacts of runs awaiting review that
	// have no recorded review action, newest first.
	ListEscalations(ctx context.Context, limit int) ([]Artifact, error)
	// RecordReview appends action and, when it is the first action recorded
	// for the work order, decision as well, in one transaction. first reports
	// whether earlier actions existed; repeats never add precedents.
	RecordReview(ctx context.Context, action ReviewAction, decision *precedent.Record) (first bool, err error)
}

// Inspector serves operator commands.
type Inspector interface {
	ListJobs(ctx context.Context, statuses ...JobStatus) ([]*Job, error)
	ListPublish(ctx context.Context, statuses ...PublishStatus) ([]*PublishRow, error)
	RetryDeadLetter(ctx context.Context, ids ...string) (int64, error)
	Health(ctx context.Context) (HealthSummary, error)
	CheckHealth(ctx context.Context) (DatabaseHealth, error)
}

// Backend is everything a replydesk process needs from its store.
type Backend interface {
	JobQueue
	RunStore
	PublishQueue
	precedent.Log
	ReviewLog
	Inspector
	Close() error
}

// DefaultBackoff is the retry ladder used when none is configured.
func DefaultBackoff() []time.Duration {
	return []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute}
}

// Backoff returns the delay after the given attempt. Attempts past the end of
// the ladder reuse its last entry.
func Backoff(ladder []time.Duration, attempt int) time.Duration {
	if len(ladder) == 0 {
		ladder = DefaultBackoff()
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(ladder) {
		return ladder[len(ladder)-1]
	}
	return ladder[attempt-1]
}

// NewJobID returns an id of the form job_<10 hex>.
func NewJobID() string { return "job_" + hexID(10) }

// NewRunID returns an id of the form run_<12 hex>.
func NewRunID() string { return "run_" + hexID(12) }

// NewPublishID returns an id of the form pub_<12 hex>.
func NewPublishID() string { return "pub_" + hexID(12) }

func hexID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}
