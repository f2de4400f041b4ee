package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"replydesk/internal/config"
	"replydesk/internal/ingest"
	"replydesk/internal/logging"
	"replydesk/internal/preflight"
	"replydesk/internal/queue"
	"replydesk/internal/review"
	"replydesk/internal/workflow"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var skipPreflight bool
	var noReview bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every lane (worker, reaper, dispatcher, ingest, review) until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger("replydesk")
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return ctx.withBackend(runCtx, false, func(backend queue.Backend) error {
				if !skipPreflight {
					if failed := preflight.Failed(preflight.RunAll(runCtx, cfg, backend)); len(failed) > 0 {
						for _, r := range failed {
							logging.ErrorWithContext(logger, "preflight check failed", "preflight_failed",
								logging.String("check", r.Name),
								logging.String("detail", r.Detail),
								logging.String(logging.FieldErrorHint, "run `replydesk doctor` for the full report"),
							)
						}
						return fmt.Errorf("preflight failed: %d required check(s)", len(failed))
					}
				}

				manager, err := buildManager(cfg, backend, logger, !noReview)
				if err != nil {
					return err
				}
				if err := manager.Start(runCtx); err != nil {
					return err
				}
				logger.Info("replydesk running", logging.Event("manager_started"))
				manager.Wait(runCtx)
				logger.Info("replydesk stopped", logging.Event("manager_stopped"))
				return writeJSON(cmd, manager.Status(context.WithoutCancel(runCtx)))
			})
		},
	}

	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Start without running preflight checks")
	cmd.Flags().BoolVar(&noReview, "no-review", false, "Do not serve the review API")
	return cmd
}

func buildManager(cfg *config.Config, backend queue.Backend, logger *slog.Logger, withReview bool) (*workflow.Manager, error) {
	staleAfter := cfg.StaleTimeout()
	worker, err := buildWorker(cfg, backend, staleAfter, logger)
	if err != nil {
		return nil, err
	}
	reaper := buildReaper(cfg, backend, staleAfter, logger)
	dispatcher := buildDispatcher(cfg, backend, logger)
	tracker := ingest.NewTracker(backend, cfg.Ingest.ActionableLog, cfg.Ingest.StateFile, logger)

	manager := workflow.NewManager(backend, logger)
	manager.AddLane(workflow.LaneWorker, func(ctx context.Context) error {
		_, err := worker.Loop(ctx, workflow.LoopOptions{Interval: cfg.PollInterval()})
		return err
	})
	manager.AddLane(workflow.LaneReaper, reaper.Run)
	manager.AddLane(workflow.LaneDispatcher, func(ctx context.Context) error {
		return dispatcher.Loop(ctx, publishInterval(cfg), nil)
	})
	manager.AddLane(workflow.LaneIngest, func(ctx context.Context) error {
		if cfg.Ingest.Watch {
			return tracker.Watch(ctx, cfg.PollInterval(), nil)
		}
		return tracker.Poll(ctx, cfg.PollInterval(), nil)
	})
	if withReview && strings.TrimSpace(cfg.Review.Listen) != "" {
		handler := review.NewHandler(buildReviewService(cfg, backend, logger), review.ServerConfig{
			JWTSecret:       cfg.Review.JWTSecret,
			EscalationLimit: cfg.Review.EscalationLimit,
			Logger:          logger,
		})
		manager.AddLane(workflow.LaneReview, func(ctx context.Context) error {
			return review.Serve(ctx, cfg.Review.Listen, handler, logger)
		})
	}
	return manager, nil
}
