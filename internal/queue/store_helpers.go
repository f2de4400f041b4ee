package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// timeLayout is fixed width so text comparison in SQL orders timestamps
// correctly; RFC3339Nano drops trailing zeros and would not.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func parseTime(value string) time.Time {
	t, _ := parseTimeString(value)
	return t
}

func parseNullTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}

type rowScanner interface {
	Scan(dest ...any) error
}

const jobColumns = "job_id, work_order_id, payload, status, attempts, max_attempts, available_at, locked_at, worker_id, last_error, created_at, updated_at"

func scanJob(scanner rowScanner) (*Job, error) {
	var (
		job       Job
		payload   string
		status    string
		available string
		locked    sql.NullString
		workerID  sql.NullString
		lastError sql.NullString
		created   string
		updated   string
	)
	if err := scanner.Scan(
		&job.ID,
		&job.WorkOrderID,
		&payload,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&available,
		&locked,
		&workerID,
		&lastError,
		&created,
		&updated,
	); err != nil {
		return nil, err
	}
	job.Payload = json.RawMessage(payload)
	job.Status = JobStatus(status)
	job.AvailableAt = parseTime(available)
	job.LockedAt = parseNullTime(locked)
	job.WorkerID = workerID.String
	job.LastError = lastError.String
	job.CreatedAt = parseTime(created)
	job.UpdatedAt = parseTime(updated)
	return &job, nil
}

const runColumns = "run_id, work_order_id, status, current_stage, created_at, updated_at"

func scanRun(scanner rowScanner) (*Run, error) {
	var (
		run     Run
		status  string
		created string
		updated string
	)
	if err := scanner.Scan(&run.ID, &run.WorkOrderID, &status, &run.CurrentStage, &created, &updated); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.CreatedAt = parseTime(created)
	run.UpdatedAt = parseTime(updated)
	return &run, nil
}

const publishColumns = "id, work_order_id, payload, dispatch_status, dispatch_attempts, last_error, note, created_at, updated_at, dispatched_at"

func scanPublish(scanner rowScanner) (*PublishRow, error) {
	var (
		row        PublishRow
		payload    string
		status     string
		lastError  sql.NullString
		note       sql.NullString
		created    string
		updated    string
		dispatched sql.NullString
	)
	if err := scanner.Scan(
		&row.ID,
		&row.WorkOrderID,
		&payload,
		&status,
		&row.Attempts,
		&lastError,
		&note,
		&created,
		&updated,
		&dispatched,
	); err != nil {
		return nil, err
	}
	row.Payload = json.RawMessage(payload)
	row.Status = PublishStatus(status)
	row.LastError = lastError.String
	row.Note = note.String
	row.CreatedAt = parseTime(created)
	row.UpdatedAt = parseTime(updated)
	row.DispatchedAt = parseNullTime(dispatched)
	return &row, nil
}

const artifactColumns = "run_id, work_order_id, category, payload, updated_at"

func scanArtifact(scanner rowScanner) (*Artifact, error) {
	var (
		artifact Artifact
		payload  string
		updated  string
	)
	if err := scanner.Scan(&artifact.RunID, &artifact.WorkOrderID, &artifact.Category, &payload, &updated); err != nil {
		return nil, err
	}
	artifact.Payload = json.RawMessage(payload)
	artifact.UpdatedAt = parseTime(updated)
	return &artifact, nil
}
