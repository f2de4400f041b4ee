package workflow

import (
	"context"
	"log/slog"
	"time"

	"replydesk/internal/logging"
	"replydesk/internal/queue"
)

// ReaperOptions configures stale-job recovery.
type ReaperOptions struct {
	StaleAfter  time.Duration
	MaxAttempts int
	Limit       int
	Interval    time.Duration
	Logger      *slog.Logger
}

// Reaper returns jobs abandoned by crashed workers to the queue. It only
// touches jobs whose lease is older than StaleAfter, so it can run alongside
// live workers.
type Reaper struct {
	queue   queue.JobQueue
	opts    ReaperOptions
	logger  *slog.Logger
	metrics *jobMetrics
}

// NewReaper builds a reaper over q.
func NewReaper(q queue.JobQueue, opts ReaperOptions) *Reaper {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 15 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = queue.DefaultMaxAttempts
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	return &Reaper{
		queue:   q,
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "reaper"),
		metrics: newJobMetrics(),
	}
}

// Pass runs one recovery sweep and returns how many jobs it reclaimed.
func (r *Reaper) Pass(ctx context.Context) (int, error) {
	recovered, err := r.queue.RecoverStale(ctx, r.opts.StaleAfter, r.opts.MaxAttempts, r.opts.Limit)
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		r.metrics.add(ctx, r.metrics.recovered, int64(recovered), "reaper")
		r.logger.Info("reclaimed stale jobs",
			logging.Event("stale_jobs_recovered"),
			logging.Int("count", recovered),
			logging.Duration("stale_after", r.opts.StaleAfter),
		)
	}
	return recovered, nil
}

// Run sweeps every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	for {
		if _, err := r.Pass(ctx); err != nil && ctx.Err() == nil {
			logging.WarnWithContext(r.logger, "reclaim stale jobs failed; stuck jobs may remain", "stale_reclaim_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
		}
		if !sleepOrDone(ctx, r.opts.Interval) {
			return nil
		}
	}
}
