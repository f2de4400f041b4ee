package workflow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope of every replydesk instrument.
const MeterName = "replydesk"

type jobMetrics struct {
	claimed      metric.Int64Counter
	completed    metric.Int64Counter
	retried      metric.Int64Counter
	deadLettered metric.Int64Counter
	recovered    metric.Int64Counter
}

// newJobMetrics registers the job counters on the global meter provider. With
// no SDK installed the provider is a no-op and so are the counters.
func newJobMetrics() *jobMetrics {
	meter := otel.Meter(MeterName)
	return &jobMetrics{
		claimed:      counter(meter, "replydesk.jobs.claimed", "Jobs claimed by workers"),
		completed:    counter(meter, "replydesk.jobs.completed", "Jobs finished successfully"),
		retried:      counter(meter, "replydesk.jobs.retried", "Jobs requeued on the backoff ladder"),
		deadLettered: counter(meter, "replydesk.jobs.dead_lettered", "Jobs moved to dead_letter"),
		recovered:    counter(meter, "replydesk.jobs.stale_recovered", "Stale running jobs reclaimed by the reaper"),
	}
}

func counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func (m *jobMetrics) add(ctx context.Context, c metric.Int64Counter, n int64, workerID string) {
	if m == nil || n == 0 {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attribute.String("worker_id", workerID)))
}
