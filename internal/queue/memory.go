package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"replydesk/internal/precedent"
)

// MemoryStore is an in-process Backend for dry runs and tests. It applies the
// same transitions as Store under one mutex.
type MemoryStore struct {
	mu          sync.Mutex
	now         func() time.Time
	backoff     []time.Duration
	maxAttempts int

	jobs       map[string]*Job
	jobOrder   []string
	byOrder    map[string]string
	runs       map[string]*Run
	runsByWO   map[string]string
	events     []StageEvent
	artifacts  map[string]*Artifact
	publish    map[string]*PublishRow
	pubOrder   []string
	pubByWO    map[string]string
	precedents []precedent.Record
	reviews    []ReviewAction
	seq        int64
}

// NewMemoryStore returns an empty MemoryStore. WithClock, WithBackoff and
// WithMaxAttempts apply as they do to Store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	shim := &Store{now: time.Now, backoff: DefaultBackoff(), maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(shim)
	}
	return &MemoryStore{
		now:         shim.now,
		backoff:     shim.backoff,
		maxAttempts: shim.maxAttempts,
		jobs:        make(map[string]*Job),
		byOrder:     make(map[string]string),
		runs:        make(map[string]*Run),
		runsByWO:    make(map[string]string),
		artifacts:   make(map[string]*Artifact),
		publish:     make(map[string]*PublishRow),
		pubByWO:     make(map[string]string),
	}
}

func (m *MemoryStore) timestamp() time.Time { return m.now().UTC() }

func cloneJob(job *Job) *Job {
	out := *job
	out.Payload = slices.Clone(job.Payload)
	if job.LockedAt != nil {
		locked := *job.LockedAt
		out.LockedAt = &locked
	}
	return &out
}

func clonePublish(row *PublishRow) *PublishRow {
	out := *row
	out.Payload = slices.Clone(row.Payload)
	if row.DispatchedAt != nil {
		at := *row.DispatchedAt
		out.DispatchedAt = &at
	}
	return &out
}

// Enqueue implements JobQueue.
func (m *MemoryStore) Enqueue(_ context.Context, workOrderID string, payload json.RawMessage) (string, bool, error) {
	workOrderID = strings.TrimSpace(workOrderID)
	if workOrderID == "" {
		return "", false, errors.New("enqueue: work order id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byOrder[workOrderID]; ok {
		return id, false, nil
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	now := m.timestamp()
	job := &Job{
		ID:          NewJobID(),
		WorkOrderID: workOrderID,
		Payload:     slices.Clone(payload),
		Status:      JobQueued,
		MaxAttempts: m.maxAttempts,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.jobs[job.ID] = job
	m.jobOrder = append(m.jobOrder, job.ID)
	m.byOrder[workOrderID] = job.ID
	return job.ID, true, nil
}

// ClaimNext implements JobQueue.
func (m *MemoryStore) ClaimNext(_ context.Context, workerID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.timestamp()
	var best *Job
	for _, id := range m.jobOrder {
		job := m.jobs[id]
		if job.Status != JobQueued || job.AvailableAt.After(now) {
			continue
		}
		if best == nil || job.AvailableAt.Before(best.AvailableAt) ||
			(job.AvailableAt.Equal(best.AvailableAt) && job.CreatedAt.Before(best.CreatedAt)) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = JobRunning
	best.Attempts++
	best.LockedAt = &now
	best.WorkerID = workerID
	best.UpdatedAt = now
	return cloneJob(best), nil
}

func (m *MemoryStore) heldJob(jobID, workerID string) (*Job, error) {
	job, ok := m.jobs[jobID]
	if !ok || job.Status != JobRunning || job.WorkerID != workerID {
		return nil, fmt.Errorf("%w: %s", ErrLeaseLost, jobID)
	}
	return job, nil
}

// Heartbeat implements JobQueue.
func (m *MemoryStore) Heartbeat(_ context.Context, jobID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.heldJob(jobID, workerID)
	if err != nil {
		return err
	}
	now := m.timestamp()
	job.LockedAt = &now
	job.UpdatedAt = now
	return nil
}

func (m *MemoryStore) release(job *Job, status JobStatus, cause string) {
	job.Status = status
	job.LockedAt = nil
	job.WorkerID = ""
	job.LastError = TruncateError(cause)
	job.UpdatedAt = m.timestamp()
}

// MarkDone implements JobQueue.
func (m *MemoryStore) MarkDone(_ context.Context, jobID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.heldJob(jobID, workerID)
	if err != nil {
		return err
	}
	m.release(job, JobDone, "")
	return nil
}

// MarkRetry implements JobQueue.
func (m *MemoryStore) MarkRetry(_ context.Context, jobID, workerID, cause string, maxAttempts int) (JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.heldJob(jobID, workerID)
	if err != nil {
		return "", err
	}
	next := RetryStatus(job.Attempts, maxAttempts)
	now := m.timestamp()
	m.release(job, next, cause)
	job.AvailableAt = now
	if next == JobQueued {
		job.AvailableAt = now.Add(Backoff(m.backoff, job.Attempts))
	}
	return next, nil
}

// MarkDeadLetter implements JobQueue.
func (m *MemoryStore) MarkDeadLetter(_ context.Context, jobID, workerID, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.heldJob(jobID, workerID)
	if err != nil {
		return err
	}
	m.release(job, JobDeadLetter, cause)
	return nil
}

// RecoverStale implements JobQueue.
func (m *MemoryStore) RecoverStale(_ context.Context, staleAfter time.Duration, maxAttempts, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.timestamp()
	cutoff := now.Add(-staleAfter)
	var stale []*Job
	for _, id := range m.jobOrder {
		job := m.jobs[id]
		if job.Status == JobRunning && job.LockedAt != nil && job.LockedAt.Before(cutoff) {
			stale = append(stale, job)
		}
	}
	sort.SliceStable(stale, func(i, j int) bool { return stale[i].LockedAt.Before(*stale[j].LockedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	for _, job := range stale {
		status := JobQueued
		if job.Attempts >= maxAttempts {
			status = JobDeadLetter
		}
		m.release(job, status, StaleRecoveredError)
		job.AvailableAt = now
	}
	return len(stale), nil
}

// StartRun implements RunStore.
func (m *MemoryStore) StartRun(_ context.Context, workOrderID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.timestamp()
	if id, ok := m.runsByWO[workOrderID]; ok {
		run := m.runs[id]
		run.Status = RunRunning
		run.UpdatedAt = now
		out := *run
		return &out, nil
	}
	run := &Run{ID: NewRunID(), WorkOrderID: workOrderID, Status: RunRunning, CreatedAt: now, UpdatedAt: now}
	m.runs[run.ID] = run
	m.runsByWO[workOrderID] = run.ID
	out := *run
	return &out, nil
}

// GetRun implements RunStore.
func (m *MemoryStore) GetRun(_ context.Context, workOrderID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.runsByWO[workOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: run for %s", ErrNotFound, workOrderID)
	}
	out := *m.runs[id]
	return &out, nil
}

// AppendEvent implements RunStore.
func (m *MemoryStore) AppendEvent(_ context.Context, event StageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[event.RunID]; !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, event.RunID)
	}
	m.seq++
	event.ID = m.seq
	event.Payload = slices.Clone(event.Payload)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = m.timestamp()
	}
	m.events = append(m.events, event)
	return nil
}

// ListEvents implements RunStore.
func (m *MemoryStore) ListEvents(_ context.Context, runID string) ([]StageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StageEvent
	for _, event := range m.events {
		if event.RunID == runID {
			out = append(out, event)
		}
	}
	return out, nil
}

// PersistArtifact implements RunStore.
func (m *MemoryStore) PersistArtifact(_ context.Context, runID, workOrderID, stage string, payload json.RawMessage) (bool, error) {
	category := ArtifactCategory(stage)
	if category == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.timestamp()
	m.artifacts[runID+"|"+category] = &Artifact{
		RunID:       runID,
		WorkOrderID: workOrderID,
		Category:    category,
		Payload:     slices.Clone(payload),
		UpdatedAt:   now,
	}
	if category == CategoryPublishPayloads {
		return m.insertPublishLocked(workOrderID, payload, now), nil
	}
	return false, nil
}

// FinishRun implements RunStore.
func (m *MemoryStore) FinishRun(_ context.Context, runID string, status RunStatus, currentStage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	run.Status = status
	run.CurrentStage = currentStage
	run.UpdatedAt = m.timestamp()
	return nil
}

func (m *MemoryStore) insertPublishLocked(workOrderID string, payload json.RawMessage, now time.Time) bool {
	if _, ok := m.pubByWO[workOrderID]; ok {
		return false
	}
	row := &PublishRow{
		ID:          NewPublishID(),
		WorkOrderID: workOrderID,
		Payload:     slices.Clone(payload),
		Status:      PublishQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.publish[row.ID] = row
	m.pubOrder = append(m.pubOrder, row.ID)
	m.pubByWO[workOrderID] = row.ID
	return true
}

// EnqueuePublish implements PublishQueue.
func (m *MemoryStore) EnqueuePublish(_ context.Context, workOrderID string, payload json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertPublishLocked(workOrderID, payload, m.timestamp()), nil
}

// ClaimNextPublish implements PublishQueue.
func (m *MemoryStore) ClaimNextPublish(context.Context) (*PublishRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.pubOrder {
		row := m.publish[id]
		if row.Status != PublishQueued {
			continue
		}
		row.Status = PublishRunning
		row.Attempts++
		row.UpdatedAt = m.timestamp()
		return clonePublish(row), nil
	}
	return nil, nil
}

func (m *MemoryStore) runningPublish(id string) (*PublishRow, error) {
	row, ok := m.publish[id]
	if !ok || row.Status != PublishRunning {
		return nil, fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	return row, nil
}

// MarkDispatched implements PublishQueue.
func (m *MemoryStore) MarkDispatched(_ context.Context, id, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, err := m.runningPublish(id)
	if err != nil {
		return err
	}
	now := m.timestamp()
	row.Status = PublishDispatched
	row.Note = note
	row.LastError = ""
	row.DispatchedAt = &now
	row.UpdatedAt = now
	return nil
}

// MarkPublishRetryOrDeadLetter implements PublishQueue.
func (m *MemoryStore) MarkPublishRetryOrDeadLetter(_ context.Context, id, cause string, maxAttempts int) (PublishStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, err := m.runningPublish(id)
	if err != nil {
		return "", err
	}
	row.Status = PublishRetryStatus(row.Attempts, maxAttempts)
	row.LastError = TruncateError(cause)
	row.UpdatedAt = m.timestamp()
	return row.Status, nil
}

// RetryDeadLetterPublish implements PublishQueue.
func (m *MemoryStore) RetryDeadLetterPublish(_ context.Context, ids ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range m.pubOrder {
		row := m.publish[id]
		if row.Status != PublishDeadLetter || (len(ids) > 0 && !slices.Contains(ids, id)) {
			continue
		}
		row.Status = PublishQueued
		row.Attempts = 0
		row.LastError = ""
		row.UpdatedAt = m.timestamp()
		n++
	}
	return n, nil
}

// ListPublish implements Inspector.
func (m *MemoryStore) ListPublish(_ context.Context, statuses ...PublishStatus) ([]*PublishRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PublishRow
	for _, id := range m.pubOrder {
		row := m.publish[id]
		if len(statuses) == 0 || slices.Contains(statuses, row.Status) {
			out = append(out, clonePublish(row))
		}
	}
	return out, nil
}

// AppendPrecedent implements precedent.Log.
func (m *MemoryStore) AppendPrecedent(_ context.Context, record precedent.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendPrecedentLocked(record)
	return nil
}

func (m *MemoryStore) appendPrecedentLocked(record precedent.Record) {
	if record.Timestamp.IsZero() {
		record.Timestamp = m.timestamp()
	}
	record.Labels = slices.Clone(record.Labels)
	m.precedents = append(m.precedents, record)
}

// PrecedentsByKey implements precedent.Log.
func (m *MemoryStore) PrecedentsByKey(_ context.Context, key string) ([]precedent.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []precedent.Record
	for _, record := range m.precedents {
		if record.Key == key {
			out = append(out, record)
		}
	}
	return out, nil
}

// LatestArtifact implements ReviewLog.
func (m *MemoryStore) LatestArtifact(_ context.Context, workOrderID, category string) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Artifact
	for _, artifact := range m.artifacts {
		if artifact.WorkOrderID != workOrderID || artifact.Category != category {
			continue
		}
		if latest == nil || artifact.UpdatedAt.After(latest.UpdatedAt) {
			latest = artifact
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	out.Payload = slices.Clone(latest.Payload)
	return &out, nil
}

// ListEscalations implements ReviewLog.
func (m *MemoryStore) ListEscalations(_ context.Context, limit int) ([]Artifact, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	reviewed := make(map[string]bool, len(m.reviews))
	for _, action := range m.reviews {
		reviewed[action.WorkOrderID] = true
	}
	var out []Artifact
	for _, artifact := range m.artifacts {
		if artifact.Category != CategoryEscalations || reviewed[artifact.WorkOrderID] {
			continue
		}
		if run, ok := m.runs[artifact.RunID]; !ok || run.Status != RunNeedsHumanReview {
			continue
		}
		out = append(out, *artifact)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordReview implements ReviewLog.
func (m *MemoryStore) RecordReview(_ context.Context, action ReviewAction, decision *precedent.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := !slices.ContainsFunc(m.reviews, func(r ReviewAction) bool { return r.WorkOrderID == action.WorkOrderID })
	m.seq++
	action.ID = m.seq
	if action.CreatedAt.IsZero() {
		action.CreatedAt = m.timestamp()
	}
	m.reviews = append(m.reviews, action)
	if first && decision != nil {
		m.appendPrecedentLocked(*decision)
	}
	return first, nil
}

// ListJobs implements Inspector.
func (m *MemoryStore) ListJobs(_ context.Context, statuses ...JobStatus) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, id := range m.jobOrder {
		job := m.jobs[id]
		if len(statuses) == 0 || slices.Contains(statuses, job.Status) {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

// RetryDeadLetter implements Inspector.
func (m *MemoryStore) RetryDeadLetter(_ context.Context, ids ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := m.timestamp()
	for _, id := range m.jobOrder {
		job := m.jobs[id]
		if job.Status != JobDeadLetter || (len(ids) > 0 && !slices.Contains(ids, id)) {
			continue
		}
		job.Status = JobQueued
		job.Attempts = 0
		job.AvailableAt = now
		job.LastError = ""
		job.UpdatedAt = now
		n++
	}
	return n, nil
}

// Health implements Inspector.
func (m *MemoryStore) Health(context.Context) (HealthSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	health := HealthSummary{Jobs: make(map[JobStatus]int), Publish: make(map[PublishStatus]int)}
	now := m.timestamp()
	for _, job := range m.jobs {
		health.Jobs[job.Status]++
		health.TotalJobs++
		if job.Status == JobQueued {
			if age := now.Sub(job.CreatedAt).Truncate(time.Second); age > health.OldestQueuedAge {
				health.OldestQueuedAge = age
			}
		}
	}
	for _, row := range m.publish {
		health.Publish[row.Status]++
	}
	for _, run := range m.runs {
		if run.Status == RunNeedsHumanReview {
			health.NeedsReview++
		}
	}
	return health, nil
}

// CheckHealth implements Inspector.
func (m *MemoryStore) CheckHealth(context.Context) (DatabaseHealth, error) {
	return DatabaseHealth{Driver: "memory", Location: "in-process", Reachable: true, SchemaVersion: schemaVersion, IntegrityCheck: true}, nil
}

// Close implements Backend.
func (m *MemoryStore) Close() error { return nil }

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*MemoryStore)(nil)
)
