package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"replydesk/internal/logging"
	"replydesk/internal/notifications"
	"replydesk/internal/pipeline"
	"replydesk/internal/queue"
	"replydesk/internal/services"
	"replydesk/internal/workorder"
)

// RunReport describes one supervised pipeline run.
type RunReport struct {
	RunID            string          `json:"run_id"`
	WorkOrderID      string          `json:"work_order_id"`
	Status           queue.RunStatus `json:"run_status"`
	FinalStage       string          `json:"final_stage"`
	NeedsHumanReview bool            `json:"needs_human_review"`
	PublishQueued    bool            `json:"publish_queued"`
	Skipped          []string        `json:"skipped_stages,omitempty"`
}

// Supervisor runs the pipeline for one work order and records the run.
type Supervisor struct {
	runs     queue.RunStore
	pipeline *pipeline.Pipeline
	notifier notifications.Service
	logger   *slog.Logger
}

// NewSupervisor wires a pipeline to the run store. A nil notifier disables
// review notifications.
func NewSupervisor(runs queue.RunStore, p *pipeline.Pipeline, notifier notifications.Service, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		runs:     runs,
		pipeline: p,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "supervisor"),
	}
}

// Run executes wo and persists its events and artifacts. Re-running a work
// order reuses its run record.
func (s *Supervisor) Run(ctx context.Context, wo workorder.WorkOrder) (RunReport, error) {
	report := RunReport{WorkOrderID: wo.ID}
	ctx = services.WithWorkOrderID(ctx, wo.ID)

	run, err := s.runs.StartRun(ctx, wo.ID)
	if err != nil {
		return report, services.Wrap(services.ErrTransient, "supervisor", "start run", wo.ID, err)
	}
	report.RunID = run.ID
	ctx = services.WithRunID(ctx, run.ID)
	logger := logging.WithContext(ctx, s.logger)

	state, outcome, err := s.pipeline.Execute(ctx, wo, func(ctx context.Context, result pipeline.Result) error {
		queued, err := s.record(ctx, run.ID, wo.ID, result)
		if queued {
			report.PublishQueued = true
		}
		return err
	})
	if err != nil {
		return report, err
	}

	report.FinalStage = string(outcome.FinalStage)
	report.NeedsHumanReview = outcome.NeedsHumanReview
	for _, name := range outcome.Skipped {
		report.Skipped = append(report.Skipped, string(name))
	}
	report.Status = queue.RunCompleted
	if outcome.NeedsHumanReview {
		report.Status = queue.RunNeedsHumanReview
	}
	if err := s.runs.FinishRun(ctx, run.ID, report.Status, report.FinalStage); err != nil {
		return report, services.Wrap(services.ErrTransient, "supervisor", "finish run", wo.ID, err)
	}

	logger.Info("run finished",
		logging.Event("run_finished"),
		logging.String("run_status", string(report.Status)),
		logging.String("final_stage", report.FinalStage),
		logging.Bool("publish_queued", report.PublishQueued),
	)
	if report.NeedsHumanReview {
		s.notifyEscalated(ctx, logger, wo, state)
	}
	return report, nil
}

// record appends the stage event and stores the artifact. A skipped publish
// keeps its event but never becomes a publish artifact. The bool reports a
// newly inserted publish row.
func (s *Supervisor) record(ctx context.Context, runID, workOrderID string, result pipeline.Result) (bool, error) {
	payload, err := json.Marshal(result.Payload)
	if err != nil {
		return false, fmt.Errorf("encode %s payload: %w", result.Stage, err)
	}
	event := queue.StageEvent{
		RunID:            runID,
		Stage:            string(result.Stage),
		Status:           result.Status,
		NeedsHumanReview: result.NeedsHumanReview,
		Payload:          payload,
	}
	if err := s.runs.AppendEvent(ctx, event); err != nil {
		return false, services.Wrap(services.ErrTransient, string(result.Stage), "append event", runID, err)
	}

	if queue.ArtifactCategory(string(result.Stage)) == "" {
		return false, nil
	}
	publish := result.Stage == pipeline.StagePublish
	if publish && result.Status != pipeline.PublishQueued {
		return false, nil
	}
	created, err := s.runs.PersistArtifact(ctx, runID, workOrderID, string(result.Stage), payload)
	if err != nil {
		return false, services.Wrap(services.ErrTransient, string(result.Stage), "persist artifact", runID, err)
	}
	return publish && created, nil
}

func (s *Supervisor) notifyEscalated(ctx context.Context, logger *slog.Logger, wo workorder.WorkOrder, state *pipeline.State) {
	if s.notifier == nil {
		return
	}
	reason := "qa_fail"
	if state != nil && state.Policy != nil && state.Policy.NeedsHumanReview {
		reason = state.Policy.Reason
	}
	if err := s.notifier.Publish(ctx, notifications.EventEscalated, notifications.Payload{
		"workOrderID": wo.ID,
		"reason":      reason,
	}); err != nil {
		logging.WarnWithContext(logger, "review notification failed", "notification_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
		)
	}
}
