package main

import (
	"log/slog"
	"time"

	"replydesk/internal/config"
	"replydesk/internal/notifications"
	"replydesk/internal/precedent"
	"replydesk/internal/publish"
	"replydesk/internal/queue"
	"replydesk/internal/review"
	"replydesk/internal/workflow"
)

// buildSupervisor assembles the pipeline over backend's run store and
// precedent log.
func buildSupervisor(cfg *config.Config, backend queue.Backend, notifier notifications.Service, logger *slog.Logger) (*workflow.Supervisor, error) {
	p, err := workflow.NewPipeline(cfg, backend, logger)
	if err != nil {
		return nil, err
	}
	return workflow.NewSupervisor(backend, p, notifier, logger), nil
}

func buildWorker(cfg *config.Config, backend queue.Backend, staleAfter time.Duration, logger *slog.Logger) (*workflow.Worker, error) {
	notifier := notifications.NewService(cfg)
	supervisor, err := buildSupervisor(cfg, backend, notifier, logger)
	if err != nil {
		return nil, err
	}
	return workflow.NewWorker(backend, supervisor, workflow.WorkerOptions{
		MaxAttempts:       cfg.Queue.MaxAttempts,
		HeartbeatInterval: workflow.HeartbeatInterval(staleAfter),
		Notifier:          notifier,
		Logger:            logger,
	}), nil
}

func buildReaper(cfg *config.Config, backend queue.Backend, staleAfter time.Duration, logger *slog.Logger) *workflow.Reaper {
	return workflow.NewReaper(backend, workflow.ReaperOptions{
		StaleAfter:  staleAfter,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Limit:       cfg.Queue.ReaperLimit,
		Interval:    cfg.ReaperInterval(),
		Logger:      logger,
	})
}

func buildDispatcher(cfg *config.Config, backend queue.Backend, logger *slog.Logger) *publish.Dispatcher {
	return publish.NewDispatcher(backend, publish.NewWebhook(cfg.Publish.WebhookURL, cfg.PublishTimeout()), publish.Options{
		AutoSend:    cfg.Publish.AutoSend,
		MaxAttempts: cfg.Publish.MaxAttempts,
		Notifier:    notifications.NewService(cfg),
		Logger:      logger,
	})
}

func buildReviewService(cfg *config.Config, backend queue.Backend, logger *slog.Logger) *review.Service {
	memory := precedent.NewMemory(backend, cfg.Precedent.MinSamples, cfg.Precedent.MinConfidence)
	return review.NewService(backend, memory, logger)
}

func publishInterval(cfg *config.Config) time.Duration {
	if cfg.Publish.PollInterval <= 0 {
		return cfg.PollInterval()
	}
	return time.Duration(cfg.Publish.PollInterval) * time.Second
}
