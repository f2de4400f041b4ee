package services

import "context"

type contextKey string

const (
	jobIDKey       contextKey = "job_id"
	runIDKey       contextKey = "run_id"
	workOrderIDKey contextKey = "work_order_id"
	stageKey       contextKey = "stage"
	requestIDKey   contextKey = "request_id"
)

func withString(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key contextKey) (string, bool) {
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithJobID annotates context with the queue job identifier.
func WithJobID(ctx context.Context, id string) context.Context {
	return withString(ctx, jobIDKey, id)
}

// JobIDFromContext extracts the queue job identifier if present.
func JobIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, jobIDKey)
}

// WithRunID annotates context with the workflow run identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	return withString(ctx, runIDKey, id)
}

// RunIDFromContext extracts the workflow run identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, runIDKey)
}

// WithWorkOrderID annotates context with the work order identifier.
func WithWorkOrderID(ctx context.Context, id string) context.Context {
	return withString(ctx, workOrderIDKey, id)
}

// WorkOrderIDFromContext extracts the work order identifier if present.
func WorkOrderIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, workOrderIDKey)
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	return withString(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, stageKey)
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, requestIDKey)
}
