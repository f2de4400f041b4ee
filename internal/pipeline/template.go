package pipeline

import (
	"strings"

	"replydesk/internal/escalation"
)

const (
	templateConfidence = 0.8

	tierATemplate = "Thanks for reaching out. We received your message. " +
		"Please share two or three time windows this week and we will confirm one."
	defaultTemplate = "Thanks for reaching out. We received your message and can help with next steps. " +
		"Share your goal and preferred timeline, and we will route this to the right team."
)

// templateDraft is the deterministic fallback, keyed by tier.
func (p *Pipeline) templateDraft(state *State, rationale string) DraftResult {
	wo := state.WorkOrder
	greeting := strings.TrimSpace(wo.Sender)
	if greeting == "" {
		greeting = "there"
	}
	text := defaultTemplate
	if state.Tier.Tier == escalation.TierA {
		text = tierATemplate
	}
	return DraftResult{
		WorkOrderID: wo.ID,
		To:          wo.Sender,
		Subject:     "Re: " + wo.Subject,
		Body:        "Hi " + greeting + ",\n\n" + text + "\n\n" + p.opts.SignatureBlock,
		Confidence:  templateConfidence,
		Rationale:   rationale,
		Agent:       AgentTemplate,
		GeneratedAt: p.opts.Now().UTC(),
	}
}
