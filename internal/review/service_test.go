package review_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replydesk/internal/escalation"
	"replydesk/internal/logging"
	"replydesk/internal/pipeline"
	"replydesk/internal/precedent"
	"replydesk/internal/queue"
	"replydesk/internal/review"
	"replydesk/internal/services"
)

func persist(t *testing.T, store *queue.MemoryStore, runID, workOrderID, stage string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	_, err = store.PersistArtifact(context.Background(), runID, workOrderID, stage, data)
	require.NoError(t, err)
}

// escalate leaves workOrderID in the state a policy halt produces.
func escalate(t *testing.T, store *queue.MemoryStore, workOrderID string, tier escalation.Tier) {
	t.Helper()
	ctx := context.Background()
	run, err := store.StartRun(ctx, workOrderID)
	require.NoError(t, err)
	persist(t, store, run.ID, workOrderID, "context", pipeline.ContextPack{
		WorkOrderID:  workOrderID,
		Sender:       "buyer@acme.example",
		SenderDomain: "acme.example",
		Subject:      "Pricing for 40 seats",
		Labels:       []string{"sales", "pricing"},
	})
	persist(t, store, run.ID, workOrderID, "draft", pipeline.DraftResult{
		WorkOrderID: workOrderID,
		To:          "buyer@acme.example",
		Subject:     "Re: Pricing for 40 seats",
		Body:        "draft body",
		Agent:       pipeline.AgentTemplate,
	})
	persist(t, store, run.ID, workOrderID, "tone", pipeline.ToneResult{RevisedBody: "revised body", ToneOK: true})
	persist(t, store, run.ID, workOrderID, "policy", pipeline.PolicyResult{
		NeedsHumanReview: true,
		Reason:           "tier_c_requires_review",
		Tier:             tier,
	})
	require.NoError(t, store.FinishRun(ctx, run.ID, queue.RunNeedsHumanReview, "policy"))
}

func newService(store *queue.MemoryStore) (*review.Service, *precedent.Memory) {
	memory := precedent.NewMemory(store, 1, 0.5)
	return review.NewService(store, memory, logging.NewNop()), memory
}

func strPtr(s string) *string { return &s }

func TestApplyApproveEnqueuesToneRevision(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	escalate(t, store, "wo-1", escalation.TierC)
	svc, memory := newService(store)

	result, err := svc.Apply(ctx, review.Action{WorkOrderID: "wo-1", Action: review.ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, review.Result{
		OK:                    true,
		WorkOrderID:           "wo-1",
		Action:                review.ActionApprove,
		PublishPayloadWritten: true,
		PrecedentDecision:     precedent.DecisionApprove,
		PolicyTier:            escalation.TierC,
	}, result)

	rows, err := store.ListPublish(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	var payload pipeline.PublishPayload
	require.NoError(t, json.Unmarshal(rows[0].Payload, &payload))
	assert.Equal(t, "revised body", payload.Body)
	assert.Equal(t, "buyer@acme.example", payload.To)
	assert.Equal(t, "Re: Pricing for 40 seats", payload.Subject)
	assert.Equal(t, pipeline.SourceHumanReview, payload.Provenance.Source)

	lookup, err := memory.Lookup(ctx, "acme.example|pricing,sales|C")
	require.NoError(t, err)
	assert.True(t, lookup.Found)
	assert.Equal(t, precedent.DecisionApprove, lookup.Decision)

	pending, err := svc.Escalations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "reviewed escalations leave the list")
}

func TestApplyEditApproveUsesEditedBody(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	escalate(t, store, "wo-2", escalation.TierB)
	svc, _ := newService(store)

	_, err := svc.Apply(ctx, review.Action{WorkOrderID: "wo-2", Action: review.ActionEditApprove, EditedBody: strPtr("edited")})
	require.NoError(t, err)

	rows, err := store.ListPublish(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, string(rows[0].Payload), `"body":"edited"`)

	again, err := svc.Apply(ctx, review.Action{WorkOrderID: "wo-2", Action: review.ActionApprove})
	require.NoError(t, err)
	assert.False(t, again.PublishPayloadWritten, "an existing publish row is never duplicated")
}

func TestApplyResubmittedApprovalCountsOnce(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	escalate(t, store, "wo-5", escalation.TierC)
	memory := precedent.NewMemory(store, 2, 0.5)
	svc := review.NewService(store, memory, logging.NewNop())

	for range 2 {
		_, err := svc.Apply(ctx, review.Action{WorkOrderID: "wo-5", Action: review.ActionApprove})
		require.NoError(t, err)
	}

	key := "acme.example|pricing,sales|C"
	records, err := store.PrecedentsByKey(ctx, key)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	lookup, err := memory.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, lookup.Found, "one reviewer decision must not satisfy a two-sample threshold")
	assert.Equal(t, 1, lookup.Samples)

	rows, err := store.ListPublish(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestApplyRejectWritesNoPublish(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	escalate(t, store, "wo-3", escalation.TierC)
	svc, _ := newService(store)

	result, err := svc.Apply(ctx, review.Action{WorkOrderID: "wo-3", Action: review.ActionReject, Reviewer: "dana"})
	require.NoError(t, err)
	assert.Equal(t, precedent.DecisionReject, result.PrecedentDecision)
	assert.False(t, result.PublishPayloadWritten)

	rows, err := store.ListPublish(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestApplyValidation(t *testing.T) {
	store := queue.NewMemoryStore()
	escalate(t, store, "wo-4", escalation.TierC)
	svc, _ := newService(store)

	tests := []struct {
		name   string
		action review.Action
	}{
		{"missing work order", review.Action{Action: review.ActionApprove}},
		{"unknown action", review.Action{WorkOrderID: "wo-4", Action: "escalate"}},
		{"edit without body", review.Action{WorkOrderID: "wo-4", Action: review.ActionEditApprove}},
		{"edit with empty body", review.Action{WorkOrderID: "wo-4", Action: review.ActionEditApprove, EditedBody: strPtr("")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Apply(context.Background(), tt.action)
			require.Error(t, err)
			assert.ErrorIs(t, err, services.ErrValidation)
		})
	}
}

func TestApplyWithoutEscalation(t *testing.T) {
	svc, _ := newService(queue.NewMemoryStore())
	_, err := svc.Apply(context.Background(), review.Action{WorkOrderID: "wo-missing", Action: review.ActionApprove})
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrNotFound)
}
