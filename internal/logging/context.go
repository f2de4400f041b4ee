package logging

import (
	"context"
	"log/slog"

	"replydesk/internal/services"
)

const (
	// FieldComponent is the structured logging key for component names.
	FieldComponent = "component"
	// FieldJobID is the structured logging key for queue job identifiers.
	FieldJobID = "job_id"
	// FieldRunID is the structured logging key for workflow run identifiers.
	FieldRunID = "run_id"
	// FieldWorkOrderID is the structured logging key for work order identifiers.
	FieldWorkOrderID = "work_order_id"
	// FieldStage is the structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldWorkerID is the structured logging key for the claiming worker.
	FieldWorkerID = "worker_id"
	// FieldEventType names the decision or lifecycle event a record describes.
	FieldEventType = "event_type"
	// FieldErrorHint carries an operator-facing next step for warnings and errors.
	FieldErrorHint = "error_hint"
	// FieldCorrelationID is the structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 5)
	if id, ok := services.JobIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldJobID, id))
	}
	if id, ok := services.RunIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRunID, id))
	}
	if id, ok := services.WorkOrderIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldWorkOrderID, id))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, f)
	}
	return logger.With(args...)
}
