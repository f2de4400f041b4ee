package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"replydesk/internal/logging"
	"replydesk/internal/notifications"
	"replydesk/internal/queue"
	"replydesk/internal/services"
)

// Pass outcomes reported in Result.Status.
const (
	StatusEmpty      = "empty"
	StatusSkipped    = "skipped"
	StatusDispatched = "dispatched"
	StatusQueued     = "queued"
	StatusDeadLetter = "dead_letter"
)

// Skip notes stored on rows dispatched without a network call.
const (
	NoteSendFalse        = "send_false"
	NoteAutoSendDisabled = "auto_send_disabled"
)

// DefaultMaxAttempts is the delivery ceiling when none is configured.
const DefaultMaxAttempts = 5

// Result is the machine-readable outcome of one dispatch pass.
type Result struct {
	Status      string `json:"status"`
	ID          string `json:"id,omitempty"`
	WorkOrderID string `json:"work_order_id,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Options configures a Dispatcher.
type Options struct {
	AutoSend    bool
	MaxAttempts int
	Notifier    notifications.Service
	Logger      *slog.Logger
}

// Dispatcher drains the publish queue.
type Dispatcher struct {
	queue       queue.PublishQueue
	deliverer   Deliverer
	autoSend    bool
	maxAttempts int
	notifier    notifications.Service
	logger      *slog.Logger
	attempts    metric.Int64Counter
}

// NewDispatcher builds a dispatcher over q.
func NewDispatcher(q queue.PublishQueue, deliverer Deliverer, opts Options) *Dispatcher {
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	attempts, err := otel.Meter("replydesk").Int64Counter("replydesk.publish.attempts",
		metric.WithDescription("Publish rows processed, by outcome"))
	if err != nil {
		attempts = noop.Int64Counter{}
	}
	return &Dispatcher{
		queue:       q,
		deliverer:   deliverer,
		autoSend:    opts.AutoSend,
		maxAttempts: maxAttempts,
		notifier:    opts.Notifier,
		logger:      logging.NewComponentLogger(opts.Logger, "dispatcher"),
		attempts:    attempts,
	}
}

// RunOnce claims and resolves at most one publish row. The error is non-nil
// only when the queue itself failed.
func (d *Dispatcher) RunOnce(ctx context.Context) (Result, error) {
	row, err := d.queue.ClaimNextPublish(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("claim publish row: %w", err)
	}
	if row == nil {
		return Result{Status: StatusEmpty}, nil
	}
	ctx = services.WithWorkOrderID(ctx, row.WorkOrderID)
	logger := logging.WithContext(ctx, d.logger).With(logging.String("publish_id", row.ID))
	result := Result{ID: row.ID, WorkOrderID: row.WorkOrderID, Attempt: row.Attempts}

	if note := d.skipNote(row.Payload); note != "" {
		if err := d.queue.MarkDispatched(ctx, row.ID, note); err != nil {
			return result, fmt.Errorf("mark %s dispatched: %w", row.ID, err)
		}
		result.Status = StatusSkipped
		result.Reason = note
		d.record(ctx, StatusSkipped)
		logger.Info("publish skipped",
			logging.Event("publish_skipped"),
			logging.String("reason", note),
		)
		return result, nil
	}

	deliverErr := d.deliverer.Deliver(ctx, row.Payload)
	if deliverErr == nil {
		if err := d.queue.MarkDispatched(ctx, row.ID, ""); err != nil {
			return result, fmt.Errorf("mark %s dispatched: %w", row.ID, err)
		}
		result.Status = StatusDispatched
		d.record(ctx, StatusDispatched)
		logger.Info("publish dispatched", logging.Event("publish_dispatched"))
		return result, nil
	}

	cause := failureCode(deliverErr)
	status, err := d.queue.MarkPublishRetryOrDeadLetter(ctx, row.ID, cause, d.maxAttempts)
	if err != nil {
		return result, fmt.Errorf("requeue %s: %w", row.ID, err)
	}
	result.Status = string(status)
	result.Error = cause
	d.record(ctx, string(status))
	if status == queue.PublishDeadLetter {
		logging.ErrorWithContext(logger, "publish dead-lettered", "publish_dead_lettered",
			logging.String("last_error", cause),
			logging.Int("attempt", row.Attempts),
			logging.String(logging.FieldErrorHint, "fix the webhook, then `replydesk queue retry --publish`"),
		)
		d.notifyDeadLetter(ctx, logger, row, cause)
		return result, nil
	}
	logging.WarnWithContext(logger, "publish delivery failed; requeued", "publish_retry_scheduled",
		logging.Error(deliverErr),
		logging.Int("attempt", row.Attempts),
		logging.Int("max_attempts", d.maxAttempts),
	)
	return result, nil
}

// Loop dispatches until ctx is cancelled, sleeping interval whenever the
// queue is empty or unreachable.
func (d *Dispatcher) Loop(ctx context.Context, interval time.Duration, onResult func(Result)) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		result, err := d.RunOnce(ctx)
		if err != nil {
			logging.ErrorWithContext(d.logger, "dispatch pass failed", "publish_fetch_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
		}
		if err == nil && result.Status != StatusEmpty {
			if onResult != nil {
				onResult(result)
			}
			continue
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) skipNote(payload json.RawMessage) string {
	if !ShouldSend(payload) {
		return NoteSendFalse
	}
	if !d.autoSend {
		return NoteAutoSendDisabled
	}
	return ""
}

func (d *Dispatcher) record(ctx context.Context, outcome string) {
	d.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (d *Dispatcher) notifyDeadLetter(ctx context.Context, logger *slog.Logger, row *queue.PublishRow, cause string) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Publish(ctx, notifications.EventPublishDeadLetter, notifications.Payload{
		"publishID":   row.ID,
		"workOrderID": row.WorkOrderID,
		"error":       cause,
	}); err != nil {
		logger.Warn("dead-letter notification failed", logging.Error(err))
	}
}

func failureCode(err error) string {
	var delivery *DeliveryError
	if errors.As(err, &delivery) {
		return delivery.Code
	}
	return codeErrorPrefix + services.Kind(err)
}

// ShouldSend reads the payload's send flag. An absent flag means send; a
// string is true only for 1, true, yes or on.
func ShouldSend(payload json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return true
	}
	raw, ok := fields["send"]
	if !ok {
		return true
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return true
	}
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		}
		return false
	case float64:
		return v != 0
	case nil:
		return false
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}
