package pipeline

import (
	"time"

	"replydesk/internal/enrichment"
	"replydesk/internal/escalation"
	"replydesk/internal/precedent"
	"replydesk/internal/services/llm"
	"replydesk/internal/workorder"
)

// Draft agent tags recorded in provenance.
const (
	AgentLLM      = "llm"
	AgentTemplate = "template_fallback"
)

// Verdicts written by the fact and QA gates.
const (
	FactPass        = "pass"
	FactNeedsReview = "needs_review"
	QAPass          = "pass"
	QAFail          = "fail"
)

// Publish stage statuses.
const (
	PublishQueued  = "queued"
	PublishSkipped = "skipped"
)

// Provenance sources.
const (
	SourcePipeline    = "pipeline"
	SourceHumanReview = "human_review_action"
)

// TierResult is the escalation classification of the work order.
type TierResult struct {
	Tier               escalation.Tier `json:"tier"`
	Reason             string          `json:"reason"`
	AutoPublishAllowed bool            `json:"auto_publish_allowed"`
}

// ExternalContext holds enrichment that is not CRM data.
type ExternalContext struct {
	ThreadHistory enrichment.ThreadResult `json:"thread_history"`
}

// ContextPack is what the drafter sees besides the work order itself.
// Enrichment stages fill CRM, CRMEnrichedFields and ExternalContext.
type ContextPack struct {
	WorkOrderID        string               `json:"work_order_id"`
	Sender             string               `json:"sender"`
	SenderDomain       string               `json:"sender_domain"`
	Subject            string               `json:"subject"`
	Labels             []string             `json:"labels"`
	PriorThreadSummary string               `json:"prior_thread_summary"`
	CRM                enrichment.CRMResult `json:"crm"`
	CRMEnrichedFields  map[string]string    `json:"crm_enriched_fields"`
	ExternalContext    ExternalContext      `json:"external_context"`
}

// DraftResult is the reply candidate.
type DraftResult struct {
	WorkOrderID string         `json:"work_order_id"`
	To          string         `json:"to"`
	Subject     string         `json:"subject"`
	Body        string         `json:"body"`
	Confidence  float64        `json:"confidence"`
	Rationale   string         `json:"rationale"`
	Citations   []llm.Citation `json:"citations"`
	Agent       string         `json:"agent"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// ToneResult is the style-normalised body.
type ToneResult struct {
	RevisedBody string `json:"revised_body"`
	ToneOK      bool   `json:"tone_ok"`
	Corrected   bool   `json:"corrected"`
	Notes       string `json:"notes"`
}

// FactResult is the factual-risk gate.
type FactResult struct {
	Status    string         `json:"status"`
	Notes     []string       `json:"notes"`
	Citations []llm.Citation `json:"citations"`
}

// QAResult combines tone, fact and confidence into one verdict.
type QAResult struct {
	Status       string   `json:"status"`
	Pass         bool     `json:"pass"`
	Score        int      `json:"score"`
	Reasons      []string `json:"reasons"`
	FallbackUsed bool     `json:"fallback_used"`
}

// PolicyResult is the final review gate.
type PolicyResult struct {
	NeedsHumanReview bool             `json:"needs_human_review"`
	Reason           string           `json:"reason"`
	Confidence       string           `json:"confidence"`
	Tier             escalation.Tier  `json:"policy_tier"`
	TierReason       string           `json:"policy_reason"`
	DraftConfidence  float64          `json:"draft_confidence"`
	Precedent        precedent.Result `json:"precedent"`
	PrecedentWaived  bool             `json:"precedent_waived"`
	DetectedAt       time.Time        `json:"detected_at"`
}

// Provenance records how a publish payload came to be.
type Provenance struct {
	PolicyTier      escalation.Tier `json:"policy_tier"`
	QAStatus        string          `json:"qa_status"`
	FactStatus      string          `json:"fact_status"`
	DraftAgent      string          `json:"draft_agent"`
	DraftConfidence float64         `json:"draft_confidence"`
	AutoSendEnabled bool            `json:"auto_send_enabled"`
	Source          string          `json:"source"`
}

// PublishPayload is the outbound delivery record. Threading metadata from the
// work order passes through unchanged.
type PublishPayload struct {
	WorkOrderID   string     `json:"work_order_id"`
	To            string     `json:"to"`
	Subject       string     `json:"subject"`
	Body          string     `json:"body"`
	Send          bool       `json:"send"`
	CreatedAt     time.Time  `json:"created_at"`
	Provenance    Provenance `json:"provenance"`
	SourceEventID string     `json:"source_event_id,omitempty"`
	workorder.Threading
}

// NewPublishPayload builds a payload addressed to the work order sender.
func NewPublishPayload(wo workorder.WorkOrder, subject, body string, provenance Provenance, send bool, now time.Time) PublishPayload {
	return PublishPayload{
		WorkOrderID:   wo.ID,
		To:            wo.Sender,
		Subject:       subject,
		Body:          body,
		Send:          send,
		CreatedAt:     now.UTC(),
		Provenance:    provenance,
		SourceEventID: wo.SourceEventID,
		Threading:     wo.Threading,
	}
}

// PublishSkip is the publish stage payload when review was required.
type PublishSkip struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// PublishOutcome is what the publish stage leaves in State.
type PublishOutcome struct {
	Status  string          `json:"status"`
	Payload *PublishPayload `json:"payload,omitempty"`
}
