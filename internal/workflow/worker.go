package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"replydesk/internal/logging"
	"replydesk/internal/notifications"
	"replydesk/internal/queue"
	"replydesk/internal/services"
	"replydesk/internal/workorder"
)

// Pass outcomes reported in Summary.Status.
const (
	StatusEmpty      = "empty"
	StatusDone       = "done"
	StatusRetry      = "retry"
	StatusDeadLetter = "dead_letter"
	StatusLeaseLost  = "lease_lost"
)

// Summary is the machine-readable result of one worker pass.
type Summary struct {
	Status      string     `json:"status"`
	JobID       string     `json:"job_id,omitempty"`
	WorkOrderID string     `json:"work_order_id,omitempty"`
	WorkerID    string     `json:"worker_id,omitempty"`
	Attempt     int        `json:"attempt,omitempty"`
	Result      *RunReport `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// WorkerOptions configures a Worker. Zero values pick defaults.
type WorkerOptions struct {
	WorkerID          string
	MaxAttempts       int
	HeartbeatInterval time.Duration
	Notifier          notifications.Service
	Logger            *slog.Logger
}

// Worker claims jobs one at a time and resolves each to done, retry or
// dead_letter before claiming the next.
type Worker struct {
	queue       queue.JobQueue
	supervisor  *Supervisor
	id          string
	maxAttempts int
	heartbeat   *HeartbeatMonitor
	notifier    notifications.Service
	logger      *slog.Logger
	metrics     *jobMetrics
}

// NewWorker builds a worker over q.
func NewWorker(q queue.JobQueue, supervisor *Supervisor, opts WorkerOptions) *Worker {
	id := opts.WorkerID
	if id == "" {
		id = NewWorkerID()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultMaxAttempts
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = HeartbeatInterval(15 * time.Minute)
	}
	logger := logging.NewComponentLogger(opts.Logger, "worker").With(logging.String(logging.FieldWorkerID, id))
	return &Worker{
		queue:       q,
		supervisor:  supervisor,
		id:          id,
		maxAttempts: maxAttempts,
		heartbeat:   NewHeartbeatMonitor(q, opts.Logger, interval),
		notifier:    opts.Notifier,
		logger:      logger,
		metrics:     newJobMetrics(),
	}
}

// NewWorkerID returns an id of the form worker_<8 hex>.
func NewWorkerID() string {
	return fmt.Sprintf("worker_%s", uuid.NewString()[:8])
}

// ID returns the worker id stamped on claimed jobs.
func (w *Worker) ID() string {
	return w.id
}

// RunOnce claims and resolves at most one job. The error is non-nil only
// when the queue itself failed; job failures are reported in the summary.
func (w *Worker) RunOnce(ctx context.Context) (Summary, error) {
	job, err := w.queue.ClaimNext(ctx, w.id)
	if err != nil {
		return Summary{}, fmt.Errorf("claim next job: %w", err)
	}
	if job == nil {
		return Summary{Status: StatusEmpty}, nil
	}
	w.metrics.add(ctx, w.metrics.claimed, 1, w.id)

	// In-flight jobs are never cancelled. Shutdown waits for the pass to end.
	jobCtx := services.WithJobID(context.WithoutCancel(ctx), job.ID)
	jobCtx = services.WithWorkOrderID(jobCtx, job.WorkOrderID)
	logger := logging.WithContext(jobCtx, w.logger)
	logger.Info("job claimed",
		logging.Event("job_claimed"),
		logging.Int("attempt", job.Attempts),
	)

	summary := Summary{
		JobID:       job.ID,
		WorkOrderID: job.WorkOrderID,
		WorkerID:    w.id,
		Attempt:     job.Attempts,
	}
	report, runErr := w.process(jobCtx, job)
	if runErr == nil {
		summary.Result = &report
	}
	return w.resolve(jobCtx, logger, job, summary, runErr)
}

func (w *Worker) process(ctx context.Context, job *queue.Job) (report RunReport, err error) {
	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go w.heartbeat.StartLoop(hbCtx, &hbWG, job.ID, w.id)
	defer func() {
		hbCancel()
		hbWG.Wait()
	}()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("pipeline panic: %v", recovered)
		}
	}()

	wo, err := workorder.Decode(job.Payload)
	if err != nil {
		return RunReport{}, err
	}
	if wo.ID != job.WorkOrderID {
		return RunReport{}, services.Wrap(services.ErrValidation, "worker", "decode", "payload id does not match job work order", nil)
	}
	return w.supervisor.Run(ctx, wo)
}

func (w *Worker) resolve(ctx context.Context, logger *slog.Logger, job *queue.Job, summary Summary, runErr error) (Summary, error) {
	if runErr == nil {
		if err := w.queue.MarkDone(ctx, job.ID, w.id); err != nil {
			return w.leaseLostOr(logger, summary, err)
		}
		w.metrics.add(ctx, w.metrics.completed, 1, w.id)
		summary.Status = StatusDone
		logger.Info("job done", logging.Event("job_done"))
		return summary, nil
	}

	cause := queue.TruncateError(runErr.Error())
	summary.Error = cause
	if !services.IsRetryable(runErr) {
		if err := w.queue.MarkDeadLetter(ctx, job.ID, w.id, cause); err != nil {
			return w.leaseLostOr(logger, summary, err)
		}
		return w.deadLettered(ctx, logger, job, summary), nil
	}

	status, err := w.queue.MarkRetry(ctx, job.ID, w.id, cause, w.maxAttempts)
	if err != nil {
		return w.leaseLostOr(logger, summary, err)
	}
	if status == queue.JobDeadLetter {
		return w.deadLettered(ctx, logger, job, summary), nil
	}
	w.metrics.add(ctx, w.metrics.retried, 1, w.id)
	summary.Status = StatusRetry
	logging.WarnWithContext(logger, "job failed; retry scheduled", "job_retry_scheduled",
		logging.Error(runErr),
		logging.String("error_kind", services.Kind(runErr)),
		logging.String(logging.FieldErrorHint, "the job returns to the queue after its backoff delay"),
	)
	return summary, nil
}

func (w *Worker) deadLettered(ctx context.Context, logger *slog.Logger, job *queue.Job, summary Summary) Summary {
	w.metrics.add(ctx, w.metrics.deadLettered, 1, w.id)
	summary.Status = StatusDeadLetter
	logging.ErrorWithContext(logger, "job dead-lettered", "job_dead_lettered",
		logging.String("last_error", summary.Error),
		logging.String(logging.FieldErrorHint, "inspect with `replydesk queue list --status dead_letter` and requeue with `replydesk queue retry`"),
	)
	if w.notifier != nil {
		if err := w.notifier.Publish(ctx, notifications.EventJobDeadLetter, notifications.Payload{
			"jobID":       job.ID,
			"workOrderID": job.WorkOrderID,
			"error":       summary.Error,
		}); err != nil {
			logger.Warn("dead-letter notification failed", logging.Error(err))
		}
	}
	return summary
}

// leaseLostOr turns a lost lease into a reported outcome: another worker or
// the reaper now owns the job, so this worker simply lets go.
func (w *Worker) leaseLostOr(logger *slog.Logger, summary Summary, err error) (Summary, error) {
	if !errors.Is(err, queue.ErrLeaseLost) {
		return summary, fmt.Errorf("resolve job %s: %w", summary.JobID, err)
	}
	summary.Status = StatusLeaseLost
	logging.WarnWithContext(logger, "job lease lost before resolution", "job_lease_lost",
		logging.String(logging.FieldErrorHint, "the reaper reclaimed this job; raise queue.stale_timeout if runs are slow"),
	)
	return summary, nil
}

// LoopOptions bounds Worker.Loop.
type LoopOptions struct {
	// Interval is the sleep after an empty pass or a queue error.
	Interval time.Duration
	// MaxJobs stops the loop after that many resolved jobs. Zero means no limit.
	MaxJobs int
	// OnSummary receives every non-empty pass.
	OnSummary func(Summary)
	// Reaper, when set, sweeps stale leases on its own interval for as long
	// as the loop runs.
	Reaper *Reaper
}

// LoopStats counts the outcomes of a Loop.
type LoopStats struct {
	Processed  int `json:"processed"`
	Done       int `json:"done"`
	Retried    int `json:"retried"`
	DeadLetter int `json:"dead_letter"`
	LeaseLost  int `json:"lease_lost"`
	Errors     int `json:"queue_errors"`
}

// Loop polls until ctx is cancelled or MaxJobs jobs were resolved.
func (w *Worker) Loop(ctx context.Context, opts LoopOptions) (LoopStats, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if opts.Reaper != nil {
		reapCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = opts.Reaper.Run(reapCtx)
		}()
		defer func() {
			cancel()
			wg.Wait()
		}()
	}
	var stats LoopStats
	for {
		if err := ctx.Err(); err != nil {
			return stats, nil
		}
		summary, err := w.RunOnce(ctx)
		if err != nil {
			stats.Errors++
			logging.ErrorWithContext(w.logger, "worker pass failed", "queue_fetch_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
			if !sleepOrDone(ctx, interval) {
				return stats, nil
			}
			continue
		}
		if summary.Status == StatusEmpty {
			if !sleepOrDone(ctx, interval) {
				return stats, nil
			}
			continue
		}

		stats.Processed++
		switch summary.Status {
		case StatusDone:
			stats.Done++
		case StatusRetry:
			stats.Retried++
		case StatusDeadLetter:
			stats.DeadLetter++
		case StatusLeaseLost:
			stats.LeaseLost++
		}
		if opts.OnSummary != nil {
			opts.OnSummary(summary)
		}
		if opts.MaxJobs > 0 && stats.Processed >= opts.MaxJobs {
			return stats, nil
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
