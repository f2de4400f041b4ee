package queue

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobRunning    JobStatus = "running"
	JobDone       JobStatus = "done"
	JobDeadLetter JobStatus = "dead_letter"
)

// JobStatuses lists every job status in lifecycle order.
func JobStatuses() []JobStatus {
	return []JobStatus{JobQueued, JobRunning, JobDone, JobDeadLetter}
}

// ParseJobStatus reports whether value names a job status.
func ParseJobStatus(value string) (JobStatus, bool) {
	for _, status := range JobStatuses() {
		if string(status) == value {
			return status, true
		}
	}
	return "", false
}

// Job is a queued unit of pipeline work. Payload is the work order record.
type Job struct {
	ID          string          `json:"job_id"`
	WorkOrderID string          `json:"work_order_id"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	AvailableAt time.Time       `json:"available_at"`
	LockedAt    *time.Time      `json:"locked_at,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RunStatus is the state of a workflow run.
type RunStatus string

const (
	RunRunning          RunStatus = "running"
	RunCompleted        RunStatus = "completed"
	RunNeedsHumanReview RunStatus = "needs_human_review"
)

// Run is the one durable record kept per work order.
type Run struct {
	ID           string    `json:"run_id"`
	WorkOrderID  string    `json:"work_order_id"`
	Status       RunStatus `json:"status"`
	CurrentStage string    `json:"current_stage"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StageEvent is one append-only audit entry.
type StageEvent struct {
	ID               int64           `json:"id,omitempty"`
	RunID            string          `json:"run_id"`
	Stage            string          `json:"stage"`
	Status           string          `json:"status"`
	NeedsHumanReview bool            `json:"needs_human_review"`
	Payload          json.RawMessage `json:"payload"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Artifact categories. Each holds the latest payload per run.
const (
	CategoryContextPacks    = "context_packs"
	CategoryDrafts          = "drafts"
	CategoryToneChecks      = "tone_checks"
	CategoryQAResults       = "qa_results"
	CategoryEscalations     = "escalations"
	CategoryPublishPayloads = "publish_payloads"
)

var stageCategories = map[string]string{
	"context":        CategoryContextPacks,
	"crm_enrichment": CategoryContextPacks,
	"thread_history": CategoryContextPacks,
	"draft":          CategoryDrafts,
	"tone":           CategoryToneChecks,
	"qa":             CategoryQAResults,
	"policy":         CategoryEscalations,
	"publish":        CategoryPublishPayloads,
}

// ArtifactCategory maps a stage name to its artifact bucket, or "" when the
// stage keeps no artifact.
func ArtifactCategory(stage string) string {
	return stageCategories[stage]
}

// Artifact is the latest-wins snapshot of one category for one run.
type Artifact struct {
	RunID       string          `json:"run_id"`
	WorkOrderID string          `json:"work_order_id"`
	Category    string          `json:"category"`
	Payload     json.RawMessage `json:"payload"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PublishStatus is the lifecycle state of an outbound delivery row.
type PublishStatus string

const (
	PublishQueued     PublishStatus = "queued"
	PublishRunning    PublishStatus = "running"
	PublishDispatched PublishStatus = "dispatched"
	PublishDeadLetter PublishStatus = "dead_letter"
)

// PublishStatuses lists every publish status in lifecycle order.
func PublishStatuses() []PublishStatus {
	return []PublishStatus{PublishQueued, PublishRunning, PublishDispatched, PublishDeadLetter}
}

// PublishRow is one outbound delivery, unique per work order.
type PublishRow struct {
	ID           string          `json:"id"`
	WorkOrderID  string          `json:"work_order_id"`
	Payload      json.RawMessage `json:"payload"`
	Status       PublishStatus   `json:"dispatch_status"`
	Attempts     int             `json:"dispatch_attempts"`
	LastError    string          `json:"last_error,omitempty"`
	Note         string          `json:"note,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
}

// ReviewAction is a recorded human decision.
type ReviewAction struct {
	ID          int64     `json:"id,omitempty"`
	WorkOrderID string    `json:"work_order_id"`
	Action      string    `json:"action"`
	Reviewer    string    `json:"reviewer"`
	EditedBody  string    `json:"edited_body,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// HealthSummary aggregates queue state for status output.
type HealthSummary struct {
	Jobs            map[JobStatus]int     `json:"jobs"`
	Publish         map[PublishStatus]int `json:"publish"`
	TotalJobs       int                   `json:"total_jobs"`
	OldestQueuedAge time.Duration         `json:"oldest_queued_age"`
	NeedsReview     int                   `json:"needs_review_runs"`
}

// DatabaseHealth captures backend diagnostics.
type DatabaseHealth struct {
	Driver         string   `json:"driver"`
	Location       string   `json:"location"`
	Reachable      bool     `json:"reachable"`
	SchemaVersion  int      `json:"schema_version"`
	IntegrityCheck bool     `json:"integrity_check"`
	MissingTables  []string `json:"missing_tables,omitempty"`
	Error          string   `json:"error,omitempty"`
}
