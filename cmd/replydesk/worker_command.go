package main

import (
	"time"

	"github.com/spf13/cobra"

	"replydesk/internal/logging"
	"replydesk/internal/queue"
	"replydesk/internal/workflow"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var once bool
	var dryRun bool
	var intervalSeconds int
	var staleSeconds int
	var maxJobs int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim queued work orders and run the stage pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger("worker")
			if err != nil {
				return err
			}
			staleAfter := cfg.StaleTimeout()
			if staleSeconds > 0 {
				staleAfter = time.Duration(staleSeconds) * time.Second
			}
			interval := cfg.PollInterval()
			if intervalSeconds > 0 {
				interval = time.Duration(intervalSeconds) * time.Second
			}

			return ctx.withBackend(cmd.Context(), dryRun, func(backend queue.Backend) error {
				worker, err := buildWorker(cfg, backend, staleAfter, logger)
				if err != nil {
					return err
				}
				reaper := buildReaper(cfg, backend, staleAfter, logger)
				if once {
					if _, err := reaper.Pass(cmd.Context()); err != nil {
						logging.WarnWithContext(logger, "reaper pass failed", "reaper_pass_failed", logging.Error(err))
					}
					summary, err := worker.RunOnce(cmd.Context())
					if err != nil {
						return err
					}
					return writeJSON(cmd, summary)
				}

				stats, err := worker.Loop(cmd.Context(), workflow.LoopOptions{
					Interval: interval,
					MaxJobs:  maxJobs,
					Reaper:   reaper,
					OnSummary: func(summary workflow.Summary) {
						_ = writeJSON(cmd, summary)
					},
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd, stats)
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Process at most one job and exit")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Use an in-memory queue and run store")
	cmd.Flags().IntVar(&intervalSeconds, "interval-seconds", 0, "Poll interval when the queue is empty")
	cmd.Flags().IntVar(&staleSeconds, "stale-timeout-seconds", 0, "Lease age after which a running job is reclaimed")
	cmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "Stop after this many resolved jobs (0 = no limit)")
	return cmd
}
