package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"

	"replydesk/internal/enrichment"
	"replydesk/internal/escalation"
	"replydesk/internal/logging"
	"replydesk/internal/precedent"
	"replydesk/internal/services"
	"replydesk/internal/services/llm"
)

const (
	emDash          = "—"
	toneBaseNotes   = "Professional, concise, friendly undertone. No em-dashes."
	toneEmDashNotes = " Replaced em dash with hyphen."

	policyReasonReview = "tier_or_fact_or_qa_or_confidence"
	policyReasonAuto   = "auto_publish_allowed"
)

func (p *Pipeline) tierStage(_ context.Context, state *State) (Result, error) {
	decision := p.opts.Classifier.Classify(state.WorkOrder.Text())
	state.Tier = &TierResult{
		Tier:               decision.Tier,
		Reason:             decision.Reason,
		AutoPublishAllowed: decision.AutoPublishAllowed,
	}
	return Result{Stage: StageTier, Status: StatusOK, Payload: state.Tier}, nil
}

func (p *Pipeline) contextStage(_ context.Context, state *State) (Result, error) {
	wo := state.WorkOrder
	notConfigured := enrichment.Outcome{Status: enrichment.StatusDisabled, Reason: enrichment.ReasonNotConfigured}
	state.Context = &ContextPack{
		WorkOrderID:       wo.ID,
		Sender:            wo.Sender,
		SenderDomain:      wo.SenderDomain(),
		Subject:           wo.Subject,
		Labels:            wo.SortedLabels(),
		CRM:               enrichment.CRMResult{Outcome: notConfigured},
		CRMEnrichedFields: map[string]string{},
		ExternalContext: ExternalContext{
			ThreadHistory: enrichment.ThreadResult{Outcome: notConfigured},
		},
	}
	return Result{Stage: StageContext, Status: StatusOK, Payload: state.Context}, nil
}

func (p *Pipeline) crmStage(ctx context.Context, state *State) (Result, error) {
	if err := requireInput(StageCRM, StageContext, state.Context != nil); err != nil {
		return Result{}, err
	}
	result := p.opts.CRM.Lookup(ctx, state.WorkOrder)
	state.Context.CRM = result
	if result.Match != nil {
		for key, value := range result.Match.Fields {
			state.Context.CRMEnrichedFields[key] = value
		}
		state.Context.CRMEnrichedFields["crm_name"] = result.Match.Name
		state.Context.CRMEnrichedFields["crm_match_confidence"] = result.Match.Confidence
	}
	return Result{Stage: StageCRM, Status: string(result.Status), Payload: state.Context}, nil
}

func (p *Pipeline) threadStage(ctx context.Context, state *State) (Result, error) {
	if err := requireInput(StageThreads, StageContext, state.Context != nil); err != nil {
		return Result{}, err
	}
	result := p.opts.Threads.History(ctx, state.WorkOrder)
	state.Context.ExternalContext.ThreadHistory = result
	if result.Status == enrichment.StatusEnabled && result.Summary != "" {
		state.Context.PriorThreadSummary = result.Summary
	}
	return Result{Stage: StageThreads, Status: string(result.Status), Payload: state.Context}, nil
}

func (p *Pipeline) draftStage(ctx context.Context, state *State) (Result, error) {
	if err := requireInput(StageDraft, StageTier, state.Tier != nil); err != nil {
		return Result{}, err
	}
	if err := requireInput(StageDraft, StageContext, state.Context != nil); err != nil {
		return Result{}, err
	}
	wo := state.WorkOrder
	tier := state.Tier.Tier

	var draft DraftResult
	if p.opts.Drafter == nil {
		draft = p.templateDraft(state, "Fallback template used because LLM drafting was unavailable.")
	} else {
		reply, err := p.opts.Drafter.Draft(ctx, llm.DraftRequest{
			Tier:    string(tier),
			Sender:  wo.Sender,
			Subject: wo.Subject,
			Labels:  wo.SortedLabels(),
			Body:    wo.Body,
			Context: draftContext(state.Context),
		})
		if err != nil {
			logging.WarnWithContext(logging.WithContext(ctx, p.logger), "llm draft failed; using template", "draft_fallback",
				logging.String(logging.FieldErrorHint, "check llm api key, model and endpoint"),
				logging.Error(err),
			)
			draft = p.templateDraft(state, fmt.Sprintf("Fallback template used after LLM draft error: %s.", services.Kind(err)))
		} else {
			subject := reply.Subject
			if subject == "" {
				subject = "Re: " + wo.Subject
			}
			draft = DraftResult{
				WorkOrderID: wo.ID,
				To:          wo.Sender,
				Subject:     subject,
				Body:        reply.Body,
				Confidence:  reply.Confidence,
				Rationale:   reply.Rationale,
				Citations:   reply.Citations,
				Agent:       AgentLLM,
				GeneratedAt: p.opts.Now().UTC(),
			}
		}
	}
	state.Draft = &draft
	return Result{Stage: StageDraft, Status: StatusOK, Payload: state.Draft}, nil
}

func (p *Pipeline) toneStage(_ context.Context, state *State) (Result, error) {
	if err := requireInput(StageTone, StageDraft, state.Draft != nil); err != nil {
		return Result{}, err
	}
	revised := state.Draft.Body
	notes := toneBaseNotes
	corrected := strings.Contains(revised, emDash)
	if corrected {
		revised = strings.ReplaceAll(revised, emDash, "-")
		notes += toneEmDashNotes
	}
	state.Tone = &ToneResult{
		RevisedBody: revised,
		ToneOK:      true,
		Corrected:   corrected,
		Notes:       notes,
	}
	return Result{Stage: StageTone, Status: StatusOK, Payload: state.Tone}, nil
}

func (p *Pipeline) factStage(_ context.Context, state *State) (Result, error) {
	if err := requireInput(StageFact, StageTier, state.Tier != nil); err != nil {
		return Result{}, err
	}
	if err := requireInput(StageFact, StageDraft, state.Draft != nil); err != nil {
		return Result{}, err
	}
	citations := append([]llm.Citation(nil), state.Draft.Citations...)
	var fact FactResult
	if state.Tier.Tier == escalation.TierC {
		fact = FactResult{
			Status: FactNeedsReview,
			Notes: []string{
				"High-risk claim category detected by policy tier C.",
				"Human review required for pricing/legal/security/compliance claims.",
			},
			Citations: citations,
		}
	} else {
		if len(citations) == 0 {
			citations = []llm.Citation{{Source: "work_orders", Evidence: "work_order_id=" + state.WorkOrder.ID}}
		}
		fact = FactResult{
			Status:    FactPass,
			Notes:     []string{"No high-risk factual claims detected by tier policy."},
			Citations: citations,
		}
	}
	state.Fact = &fact
	return Result{Stage: StageFact, Status: fact.Status, Payload: state.Fact}, nil
}

func (p *Pipeline) qaStage(_ context.Context, state *State) (Result, error) {
	if err := requireInput(StageQA, StageTone, state.Tone != nil); err != nil {
		return Result{}, err
	}
	if err := requireInput(StageQA, StageFact, state.Fact != nil); err != nil {
		return Result{}, err
	}
	confidence := state.Draft.Confidence
	pass := state.Tone.ToneOK && confidence >= p.opts.QAMinConfidence

	reasons := make([]string, 0, 3)
	if state.Tone.ToneOK {
		reasons = append(reasons, "style_compliant")
	} else {
		reasons = append(reasons, "style_violation")
	}
	if state.Fact.Status == FactPass {
		reasons = append(reasons, "fact_gate_pass")
	} else {
		reasons = append(reasons, "fact_gate_needs_review")
	}
	if confidence < p.opts.QAMinConfidence {
		reasons = append(reasons, "confidence_below_floor")
	}

	qa := QAResult{
		Status:       QAFail,
		Pass:         pass,
		Score:        int(math.Round(confidence * 100)),
		Reasons:      reasons,
		FallbackUsed: state.Draft.Agent != AgentLLM,
	}
	if pass {
		qa.Status = QAPass
	}
	state.QA = &qa
	return Result{Stage: StageQA, Status: qa.Status, NeedsHumanReview: !pass, Payload: state.QA}, nil
}

func (p *Pipeline) policyStage(ctx context.Context, state *State) (Result, error) {
	if err := requireInput(StagePolicy, StageTier, state.Tier != nil); err != nil {
		return Result{}, err
	}
	if err := requireInput(StagePolicy, StageQA, state.QA != nil); err != nil {
		return Result{}, err
	}
	tier := state.Tier.Tier
	confidence := state.Draft.Confidence
	found := precedent.Result{Key: precedent.Key(state.WorkOrder, tier), Decision: precedent.DecisionUnknown}
	if p.opts.Precedents != nil {
		looked, err := p.opts.Precedents.Lookup(ctx, found.Key)
		if err != nil {
			return Result{}, services.Wrap(services.ErrTransient, string(StagePolicy), "precedent lookup", found.Key, err)
		}
		found = looked
	}

	needsReview := tier == escalation.TierC ||
		state.Fact.Status != FactPass ||
		!state.QA.Pass ||
		confidence < p.opts.PolicyMinConfidence
	waived := false
	if needsReview && tier != escalation.TierC && found.Approving() && confidence >= p.opts.PolicyMinConfidence {
		needsReview = false
		waived = true
	}

	policy := PolicyResult{
		NeedsHumanReview: needsReview,
		Reason:           policyReasonAuto,
		Confidence:       "high",
		Tier:             tier,
		TierReason:       state.Tier.Reason,
		DraftConfidence:  confidence,
		Precedent:        found,
		PrecedentWaived:  waived,
		DetectedAt:       p.opts.Now().UTC(),
	}
	status := StatusOK
	if needsReview {
		policy.Reason = policyReasonReview
		policy.Confidence = "medium"
		status = "escalated"
	}
	state.Policy = &policy
	return Result{
		Stage:            StagePolicy,
		Status:           status,
		NeedsHumanReview: needsReview,
		Halt:             needsReview,
		Payload:          state.Policy,
	}, nil
}

func (p *Pipeline) publishStage(_ context.Context, state *State) (Result, error) {
	if err := requireInput(StagePublish, StagePolicy, state.Policy != nil); err != nil {
		return Result{}, err
	}
	if state.Policy.NeedsHumanReview {
		state.Publish = &PublishOutcome{Status: PublishSkipped}
		return Result{
			Stage:   StagePublish,
			Status:  PublishSkipped,
			Payload: PublishSkip{Status: PublishSkipped, Reason: "needs_human_review"},
		}, nil
	}
	payload := NewPublishPayload(state.WorkOrder, state.Draft.Subject, state.Tone.RevisedBody, Provenance{
		PolicyTier:      state.Policy.Tier,
		QAStatus:        state.QA.Status,
		FactStatus:      state.Fact.Status,
		DraftAgent:      state.Draft.Agent,
		DraftConfidence: state.Policy.DraftConfidence,
		AutoSendEnabled: p.opts.AutoSend,
		Source:          SourcePipeline,
	}, p.opts.AutoSend, p.opts.Now())
	state.Publish = &PublishOutcome{Status: PublishQueued, Payload: &payload}
	return Result{Stage: StagePublish, Status: PublishQueued, Payload: &payload}, nil
}

func draftContext(pack *ContextPack) map[string]any {
	out := map[string]any{
		"labels":               pack.Labels,
		"sender_domain":        pack.SenderDomain,
		"prior_thread_summary": pack.PriorThreadSummary,
	}
	if len(pack.CRMEnrichedFields) > 0 {
		out["crm_enriched_fields"] = pack.CRMEnrichedFields
	}
	return out
}
