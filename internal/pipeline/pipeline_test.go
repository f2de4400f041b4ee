package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"replydesk/internal/enrichment"
	"replydesk/internal/escalation"
	"replydesk/internal/pipeline"
	"replydesk/internal/precedent"
	"replydesk/internal/services/llm"
	"replydesk/internal/workorder"
)

var fixedNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

type stubDrafter struct {
	reply llm.DraftReply
	err   error
	calls int
}

func (s *stubDrafter) Draft(context.Context, llm.DraftRequest) (llm.DraftReply, error) {
	s.calls++
	return s.reply, s.err
}

type stubPrecedents struct {
	result precedent.Result
}

func (s stubPrecedents) Lookup(_ context.Context, key string) (precedent.Result, error) {
	result := s.result
	result.Key = key
	return result, nil
}

type stubCRM struct{}

func (stubCRM) Lookup(context.Context, workorder.WorkOrder) enrichment.CRMResult {
	return enrichment.CRMResult{
		Outcome: enrichment.Outcome{Status: enrichment.StatusEnabled},
		Match: &enrichment.CRMMatch{
			Name:       "Acme",
			Confidence: "high",
			Fields:     map[string]string{"plan": "enterprise"},
		},
	}
}

type stubThreads struct{}

func (stubThreads) History(context.Context, workorder.WorkOrder) enrichment.ThreadResult {
	return enrichment.ThreadResult{
		Outcome: enrichment.Outcome{Status: enrichment.StatusEnabled},
		Summary: "person@example.com: earlier question",
	}
}

func newPipeline(t *testing.T, opts pipeline.Options) *pipeline.Pipeline {
	t.Helper()
	opts.Now = func() time.Time { return fixedNow }
	p, err := pipeline.New(opts)
	if err != nil {
		t.Fatalf("pipeline.New failed: %v", err)
	}
	return p
}

func acknowledgement() workorder.WorkOrder {
	return workorder.WorkOrder{
		ID:      "wo-1",
		Sender:  "person@example.com",
		Subject: "Thanks, received. Share times.",
		Labels:  []string{"support"},
	}
}

func TestTierAWorkOrderPublishesTemplateDraft(t *testing.T) {
	p := newPipeline(t, pipeline.Options{})
	var observed []pipeline.Result
	state, outcome, err := p.Execute(context.Background(), acknowledgement(), func(_ context.Context, r pipeline.Result) error {
		observed = append(observed, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if state.Tier.Tier != escalation.TierA {
		t.Fatalf("expected tier A, got %s (%s)", state.Tier.Tier, state.Tier.Reason)
	}
	if state.Draft.Agent != pipeline.AgentTemplate {
		t.Fatalf("expected template draft, got %q", state.Draft.Agent)
	}
	if !strings.Contains(state.Draft.Body, "two or three time windows") {
		t.Fatalf("expected tier A template body, got %q", state.Draft.Body)
	}
	if !strings.HasPrefix(state.Draft.Body, "Hi person@example.com,") {
		t.Fatalf("unexpected greeting: %q", state.Draft.Body)
	}
	if state.Draft.Subject != "Re: Thanks, received. Share times." {
		t.Fatalf("unexpected subject %q", state.Draft.Subject)
	}
	if state.QA.Status != pipeline.QAPass || state.QA.Score != 80 {
		t.Fatalf("expected QA pass with score 80, got %+v", state.QA)
	}
	if state.Policy.NeedsHumanReview || outcome.NeedsHumanReview || outcome.Halted {
		t.Fatalf("expected no review, got policy=%+v outcome=%+v", state.Policy, outcome)
	}
	if outcome.FinalStage != pipeline.StagePublish {
		t.Fatalf("expected final stage publish, got %s", outcome.FinalStage)
	}

	published := 0
	for _, r := range observed {
		if r.Stage != pipeline.StagePublish {
			continue
		}
		payload, ok := r.Payload.(*pipeline.PublishPayload)
		if !ok {
			t.Fatalf("publish payload has type %T", r.Payload)
		}
		published++
		if payload.To != "person@example.com" || payload.Provenance.DraftAgent != pipeline.AgentTemplate {
			t.Fatalf("unexpected publish payload %+v", payload)
		}
		if payload.Send {
			t.Fatal("send should follow the auto-send switch, which is off")
		}
	}
	if published != 1 {
		t.Fatalf("expected exactly one publish artifact, got %d", published)
	}
	if len(observed) != len(p.Stages()) {
		t.Fatalf("expected %d observed results, got %d", len(p.Stages()), len(observed))
	}
}

func TestTierCHaltsBeforePublish(t *testing.T) {
	p := newPipeline(t, pipeline.Options{})
	wo := workorder.WorkOrder{ID: "wo-2", Sender: "buyer@corp.com", Subject: "Pricing for 40 seats", Labels: []string{"sales"}}
	state, outcome, err := p.Execute(context.Background(), wo, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if state.Tier.Tier != escalation.TierC {
		t.Fatalf("expected tier C, got %s", state.Tier.Tier)
	}
	if state.Fact.Status != pipeline.FactNeedsReview {
		t.Fatalf("expected fact needs_review, got %s", state.Fact.Status)
	}
	if !state.Policy.NeedsHumanReview || !outcome.Halted || !outcome.NeedsHumanReview {
		t.Fatalf("expected halt for review, got %+v", outcome)
	}
	if state.Publish != nil {
		t.Fatalf("publish should not run, got %+v", state.Publish)
	}
	if outcome.FinalStage != pipeline.StagePolicy {
		t.Fatalf("expected final stage policy, got %s", outcome.FinalStage)
	}
	if !reflect.DeepEqual(outcome.Skipped, []pipeline.Name{pipeline.StagePublish}) {
		t.Fatalf("expected publish skipped, got %v", outcome.Skipped)
	}
}

func TestPolicyPrecedentWaivesReview(t *testing.T) {
	wo := workorder.WorkOrder{ID: "wo-3", Sender: "ops@acme.io", Subject: "Question about onboarding", Labels: []string{"support"}}
	drafter := &stubDrafter{reply: llm.DraftReply{Subject: "Re: onboarding", Body: "Happy to help.", Confidence: 0.9}}

	base := pipeline.Options{Drafter: drafter, QAMinConfidence: 0.95}
	state, outcome, err := newPipeline(t, base).Execute(context.Background(), wo, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if state.Tier.Tier != escalation.TierB || state.QA.Pass {
		t.Fatalf("expected tier B with QA fail, got tier=%s qa=%+v", state.Tier.Tier, state.QA)
	}
	if !state.Policy.NeedsHumanReview {
		t.Fatal("expected review without precedent")
	}
	if outcome.FinalStage != pipeline.StagePolicy {
		t.Fatalf("expected halt at policy, got %s", outcome.FinalStage)
	}

	withPrecedent := base
	withPrecedent.Precedents = stubPrecedents{result: precedent.Result{Found: true, Decision: precedent.DecisionApprove, Confidence: 1, Samples: 3}}
	state, outcome, err = newPipeline(t, withPrecedent).Execute(context.Background(), wo, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if state.Policy.NeedsHumanReview || !state.Policy.PrecedentWaived {
		t.Fatalf("expected precedent waiver, got %+v", state.Policy)
	}
	if state.Policy.Precedent.Key != "acme.io|support|B" {
		t.Fatalf("unexpected precedent key %q", state.Policy.Precedent.Key)
	}
	if state.Publish == nil || state.Publish.Status != pipeline.PublishQueued {
		t.Fatalf("expected publish after waiver, got %+v", state.Publish)
	}
	if !outcome.NeedsHumanReview {
		t.Fatal("QA failure should still flag the run")
	}
}

func TestPrecedentNeverWaivesTierC(t *testing.T) {
	opts := pipeline.Options{
		Precedents: stubPrecedents{result: precedent.Result{Found: true, Decision: precedent.DecisionApprove, Confidence: 1, Samples: 5}},
	}
	wo := workorder.WorkOrder{ID: "wo-4", Sender: "a@b.com", Subject: "Contract renewal", Labels: []string{"sales"}}
	state, _, err := newPipeline(t, opts).Execute(context.Background(), wo, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !state.Policy.NeedsHumanReview || state.Policy.PrecedentWaived {
		t.Fatalf("tier C must stay in review, got %+v", state.Policy)
	}
}

func TestPublishStageSkipsWhenPolicyFlagged(t *testing.T) {
	p := newPipeline(t, pipeline.Options{})
	state := pipeline.NewState(acknowledgement())
	state.Policy = &pipeline.PolicyResult{NeedsHumanReview: true}
	var publish pipeline.Stage
	for _, stage := range p.Stages() {
		if stage.Name == pipeline.StagePublish {
			publish = stage
		}
	}
	result, err := publish.Run(context.Background(), state)
	if err != nil {
		t.Fatalf("publish stage failed: %v", err)
	}
	skip, ok := result.Payload.(pipeline.PublishSkip)
	if !ok || skip.Status != pipeline.PublishSkipped || skip.Reason != "needs_human_review" {
		t.Fatalf("expected skip payload, got %#v", result.Payload)
	}
}

func TestDraftFailureFallsBackToTemplate(t *testing.T) {
	drafter := &stubDrafter{err: errors.New("boom")}
	state, _, err := newPipeline(t, pipeline.Options{Drafter: drafter}).Execute(context.Background(), acknowledgement(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if drafter.calls != 1 {
		t.Fatalf("expected one drafter call, got %d", drafter.calls)
	}
	if state.Draft.Agent != pipeline.AgentTemplate || state.Draft.Confidence != 0.8 {
		t.Fatalf("expected template fallback, got %+v", state.Draft)
	}
	if !strings.Contains(state.Draft.Rationale, "after LLM draft error") {
		t.Fatalf("unexpected rationale %q", state.Draft.Rationale)
	}
	if !state.QA.FallbackUsed {
		t.Fatal("expected QA to note the fallback")
	}
}

func TestToneReplacesEmDash(t *testing.T) {
	drafter := &stubDrafter{reply: llm.DraftReply{Body: "Thanks — we will follow up.", Confidence: 0.9}}
	state, _, err := newPipeline(t, pipeline.Options{Drafter: drafter}).Execute(context.Background(), acknowledgement(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if state.Tone.RevisedBody != "Thanks - we will follow up." || !state.Tone.Corrected {
		t.Fatalf("unexpected tone result %+v", state.Tone)
	}
	if !strings.HasSuffix(state.Tone.Notes, "Replaced em dash with hyphen.") {
		t.Fatalf("unexpected tone notes %q", state.Tone.Notes)
	}
	if state.Draft.Subject != "Re: Thanks, received. Share times." {
		t.Fatalf("empty llm subject should fall back, got %q", state.Draft.Subject)
	}
	if state.Publish == nil || state.Publish.Payload.Body != "Thanks - we will follow up." {
		t.Fatalf("publish should carry the revised body, got %+v", state.Publish)
	}
}

func TestEnrichmentMergesIntoContextPack(t *testing.T) {
	p := newPipeline(t, pipeline.Options{CRM: stubCRM{}, Threads: stubThreads{}})
	state, _, err := p.Execute(context.Background(), acknowledgement(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if state.Context.CRMEnrichedFields["plan"] != "enterprise" || state.Context.CRMEnrichedFields["crm_name"] != "Acme" {
		t.Fatalf("unexpected crm fields %+v", state.Context.CRMEnrichedFields)
	}
	if state.Context.PriorThreadSummary == "" {
		t.Fatal("expected thread summary in context pack")
	}
	if state.Context.ExternalContext.ThreadHistory.Status != enrichment.StatusEnabled {
		t.Fatalf("unexpected thread status %+v", state.Context.ExternalContext.ThreadHistory)
	}
}

func TestContextWithoutEnrichmentRecordsNotConfigured(t *testing.T) {
	state, _, err := newPipeline(t, pipeline.Options{}).Execute(context.Background(), acknowledgement(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if state.Context.CRM.Status != enrichment.StatusDisabled || state.Context.CRM.Reason != enrichment.ReasonNotConfigured {
		t.Fatalf("expected not_configured crm marker, got %+v", state.Context.CRM)
	}
}

func TestSequentialAndGraphProduceIdenticalState(t *testing.T) {
	orders := []workorder.WorkOrder{
		acknowledgement(),
		{ID: "wo-c", Sender: "legal@corp.com", Subject: "GDPR question", Labels: []string{"legal"}},
		{ID: "wo-b", Sender: "ops@acme.io", Subject: "Onboarding help", Labels: []string{"support", "new"}},
	}
	for _, wo := range orders {
		t.Run(wo.ID, func(t *testing.T) {
			seq := pipeline.Options{CRM: stubCRM{}, Threads: stubThreads{}, Executor: pipeline.ExecutorSequential}
			graph := seq
			graph.Executor = pipeline.ExecutorGraph

			seqState, seqOutcome, err := newPipeline(t, seq).Execute(context.Background(), wo, nil)
			if err != nil {
				t.Fatalf("sequential Execute failed: %v", err)
			}
			graphState, graphOutcome, err := newPipeline(t, graph).Execute(context.Background(), wo, nil)
			if err != nil {
				t.Fatalf("graph Execute failed: %v", err)
			}
			if mustJSON(t, seqState) != mustJSON(t, graphState) {
				t.Fatalf("state differs\nsequential: %s\ngraph: %s", mustJSON(t, seqState), mustJSON(t, graphState))
			}
			if mustJSON(t, seqOutcome) != mustJSON(t, graphOutcome) {
				t.Fatalf("outcome differs\nsequential: %s\ngraph: %s", mustJSON(t, seqOutcome), mustJSON(t, graphOutcome))
			}
		})
	}
}

func mustJSON(t *testing.T, value any) string {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return string(data)
}

func TestUnknownExecutorRejected(t *testing.T) {
	if _, err := pipeline.New(pipeline.Options{Executor: "parallel"}); err == nil {
		t.Fatal("expected error for unknown executor")
	}
}
