package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"replydesk/internal/logging"
	"replydesk/internal/queue"
)

const minHeartbeatInterval = time.Second

// HeartbeatMonitor refreshes the lease of a claimed job while the pipeline
// runs, so the reaper only reclaims jobs whose worker actually stopped.
type HeartbeatMonitor struct {
	queue    queue.JobQueue
	logger   *slog.Logger
	interval time.Duration
}

// NewHeartbeatMonitor returns a monitor that beats every interval.
func NewHeartbeatMonitor(q queue.JobQueue, logger *slog.Logger, interval time.Duration) *HeartbeatMonitor {
	if interval < minHeartbeatInterval {
		interval = minHeartbeatInterval
	}
	return &HeartbeatMonitor{
		queue:    q,
		logger:   logging.NewComponentLogger(logger, "workflow-heartbeat"),
		interval: interval,
	}
}

// HeartbeatInterval picks a beat that leaves several chances to refresh the
// lease before staleAfter elapses.
func HeartbeatInterval(staleAfter time.Duration) time.Duration {
	interval := staleAfter / 3
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < minHeartbeatInterval {
		interval = minHeartbeatInterval
	}
	return interval
}

// StartLoop beats for jobID until ctx is cancelled. A lost lease stops the
// loop; the worker learns about it when it tries to resolve the job.
func (h *HeartbeatMonitor) StartLoop(ctx context.Context, wg *sync.WaitGroup, jobID, workerID string) {
	defer wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, h.logger)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := h.queue.Heartbeat(ctx, jobID, workerID)
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled):
				return
			case errors.Is(err, queue.ErrLeaseLost):
				logging.WarnWithContext(logger, "job lease lost during heartbeat", "heartbeat_lease_lost",
					logging.String(logging.FieldErrorHint, "raise queue.stale_timeout if jobs run longer than it"),
				)
				return
			default:
				logger.Warn("heartbeat update failed", logging.Error(err))
			}
		}
	}
}
