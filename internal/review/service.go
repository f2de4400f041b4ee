// Package review applies human reviewer decisions to escalated drafts and
// serves them over a small authenticated HTTP API.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"replydesk/internal/escalation"
	"replydesk/internal/logging"
	"replydesk/internal/pipeline"
	"replydesk/internal/precedent"
	"replydesk/internal/queue"
	"replydesk/internal/services"
	"replydesk/internal/workorder"
)

// Reviewer actions.
const (
	ActionApprove     = "approve"
	ActionEditApprove = "edit_approve"
	ActionReject      = "reject"
)

// DefaultReviewer is recorded when the caller names nobody.
const DefaultReviewer = "human"

// Store is the slice of the queue backend the review service touches.
type Store interface {
	queue.ReviewLog
	EnqueuePublish(ctx context.Context, workOrderID string, payload json.RawMessage) (bool, error)
}

// Action is one reviewer decision.
type Action struct {
	WorkOrderID string  `json:"work_order_id"`
	Action      string  `json:"action"`
	Reviewer    string  `json:"reviewer,omitempty"`
	EditedBody  *string `json:"edited_body,omitempty"`
}

// Result reports what Apply recorded.
type Result struct {
	OK                    bool            `json:"ok"`
	WorkOrderID           string          `json:"work_order_id"`
	Action                string          `json:"action"`
	PublishPayloadWritten bool            `json:"publish_payload_written"`
	PrecedentDecision     string          `json:"precedent_decision"`
	PolicyTier            escalation.Tier `json:"policy_tier"`
}

// Service applies review actions.
type Service struct {
	store      Store
	precedents *precedent.Memory
	now        func() time.Time
	logger     *slog.Logger
}

// NewService wires the review service. precedents may be nil, in which case
// decisions are not fed back into precedent memory.
func NewService(store Store, precedents *precedent.Memory, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		precedents: precedents,
		now:        time.Now,
		logger:     logging.NewComponentLogger(logger, "review"),
	}
}

// Apply records the reviewer decision and, on approval, enqueues the publish
// row unless one already exists. Only the first action for a work order is
// fed into precedent memory, so resubmitting a decision cannot inflate the
// sample count.
func (s *Service) Apply(ctx context.Context, action Action) (Result, error) {
	action, err := normalize(action)
	if err != nil {
		return Result{}, err
	}
	ctx = services.WithWorkOrderID(ctx, action.WorkOrderID)
	logger := logging.WithContext(ctx, s.logger)

	escalated, err := s.store.LatestArtifact(ctx, action.WorkOrderID, queue.CategoryEscalations)
	if err != nil {
		return Result{}, fmt.Errorf("load escalation: %w", err)
	}
	if escalated == nil {
		return Result{}, services.Wrap(services.ErrNotFound, "review", "apply", "no escalation found for work_order_id", nil)
	}
	var policy pipeline.PolicyResult
	if err := json.Unmarshal(escalated.Payload, &policy); err != nil {
		return Result{}, fmt.Errorf("decode escalation: %w", err)
	}
	tier := escalation.ParseTier(string(policy.Tier))
	decision := decisionFor(action.Action)

	wo, err := s.workOrder(ctx, action.WorkOrderID)
	if err != nil {
		return Result{}, err
	}
	var learned *precedent.Record
	if s.precedents != nil {
		r := s.precedents.Record(wo, tier, decision, pipeline.SourceHumanReview)
		learned = &r
	}
	record := queue.ReviewAction{
		WorkOrderID: action.WorkOrderID,
		Action:      action.Action,
		Reviewer:    action.Reviewer,
		CreatedAt:   s.now().UTC(),
	}
	if action.EditedBody != nil {
		record.EditedBody = *action.EditedBody
	}
	first, err := s.store.RecordReview(ctx, record, learned)
	if err != nil {
		return Result{}, fmt.Errorf("record review action: %w", err)
	}

	written := false
	if decision == precedent.DecisionApprove {
		written, err = s.enqueuePublish(ctx, wo, tier, action)
		if err != nil {
			return Result{}, err
		}
	}

	logger.Info("review action applied",
		logging.Event("review_action_applied"),
		logging.String("action", action.Action),
		logging.String("reviewer", action.Reviewer),
		logging.String("policy_tier", string(tier)),
		logging.Bool("publish_payload_written", written),
		logging.Bool("precedent_recorded", first && learned != nil),
	)
	return Result{
		OK:                    true,
		WorkOrderID:           action.WorkOrderID,
		Action:                action.Action,
		PublishPayloadWritten: written,
		PrecedentDecision:     decision,
		PolicyTier:            tier,
	}, nil
}

// Escalations lists runs awaiting review, newest first.
func (s *Service) Escalations(ctx context.Context, limit int) ([]queue.Artifact, error) {
	return s.store.ListEscalations(ctx, limit)
}

func normalize(action Action) (Action, error) {
	action.WorkOrderID = strings.TrimSpace(action.WorkOrderID)
	action.Action = strings.TrimSpace(action.Action)
	action.Reviewer = strings.TrimSpace(action.Reviewer)
	if action.Reviewer == "" {
		action.Reviewer = DefaultReviewer
	}
	if action.WorkOrderID == "" {
		return action, services.Wrap(services.ErrValidation, "review", "apply", "work_order_id is required", nil)
	}
	switch action.Action {
	case ActionApprove, ActionReject:
	case ActionEditApprove:
		if action.EditedBody == nil || *action.EditedBody == "" {
			return action, services.Wrap(services.ErrValidation, "review", "apply", "edited_body is required for edit_approve", nil)
		}
	default:
		return action, services.Wrap(services.ErrValidation, "review", "apply", "action must be one of: approve, edit_approve, reject", nil)
	}
	return action, nil
}

func decisionFor(action string) string {
	if action == ActionApprove || action == ActionEditApprove {
		return precedent.DecisionApprove
	}
	return precedent.DecisionReject
}

// workOrder rebuilds the fields precedent keys and replies need from the
// run's context pack. A run without one still yields a usable record.
func (s *Service) workOrder(ctx context.Context, workOrderID string) (workorder.WorkOrder, error) {
	wo := workorder.WorkOrder{ID: workOrderID}
	artifact, err := s.store.LatestArtifact(ctx, workOrderID, queue.CategoryContextPacks)
	if err != nil {
		return wo, fmt.Errorf("load context pack: %w", err)
	}
	if artifact == nil {
		return wo, nil
	}
	var pack pipeline.ContextPack
	if err := json.Unmarshal(artifact.Payload, &pack); err != nil {
		return wo, fmt.Errorf("decode context pack: %w", err)
	}
	wo.Sender = pack.Sender
	wo.Subject = pack.Subject
	wo.Labels = pack.Labels
	return wo, nil
}

// enqueuePublish builds the reply from the edited body, else the tone
// revision, else the draft. Nothing is written when no body exists.
func (s *Service) enqueuePublish(ctx context.Context, wo workorder.WorkOrder, tier escalation.Tier, action Action) (bool, error) {
	var draft pipeline.DraftResult
	if err := s.loadArtifact(ctx, wo.ID, queue.CategoryDrafts, &draft); err != nil {
		return false, err
	}
	var tone pipeline.ToneResult
	if err := s.loadArtifact(ctx, wo.ID, queue.CategoryToneChecks, &tone); err != nil {
		return false, err
	}

	body := tone.RevisedBody
	if body == "" {
		body = draft.Body
	}
	if action.EditedBody != nil && *action.EditedBody != "" {
		body = *action.EditedBody
	}
	if body == "" {
		s.logger.Warn("approved work order has no draft to publish",
			logging.String(logging.FieldWorkOrderID, wo.ID),
		)
		return false, nil
	}
	if draft.To != "" {
		wo.Sender = draft.To
	}

	payload := pipeline.NewPublishPayload(wo, draft.Subject, body, pipeline.Provenance{
		PolicyTier:      tier,
		DraftAgent:      draft.Agent,
		DraftConfidence: draft.Confidence,
		Source:          pipeline.SourceHumanReview,
	}, true, s.now())
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode publish payload: %w", err)
	}
	created, err := s.store.EnqueuePublish(ctx, wo.ID, data)
	if err != nil {
		return false, fmt.Errorf("enqueue publish: %w", err)
	}
	return created, nil
}

func (s *Service) loadArtifact(ctx context.Context, workOrderID, category string, target any) error {
	artifact, err := s.store.LatestArtifact(ctx, workOrderID, category)
	if err != nil {
		return fmt.Errorf("load %s: %w", category, err)
	}
	if artifact == nil {
		return nil
	}
	if err := json.Unmarshal(artifact.Payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", category, err)
	}
	return nil
}
