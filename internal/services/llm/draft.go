package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const defaultDraftConfidence = 0.6

const draftSystemPrompt = `You draft short, professional email replies for a business inbox.
Respond with a single JSON object and nothing else:
{"subject": string, "body": string, "confidence": number between 0 and 1, "rationale": string,
 "citations": [{"source": string, "evidence": string}]}
Rules:
- Never promise prices, discounts, contract terms, legal or security commitments.
- Keep the body under 120 words, plain text, no em dashes.
- Lower the confidence when the request is ambiguous or outside routine operations.`

// DraftRequest is the input contract for the drafting collaborator.
type DraftRequest struct {
	Tier    string         `json:"tier"`
	Sender  string         `json:"sender"`
	Subject string         `json:"subject"`
	Labels  []string       `json:"labels"`
	Body    string         `json:"body"`
	Context map[string]any `json:"context,omitempty"`
}

// Citation points at the evidence a draft relied on.
type Citation struct {
	Source   string `json:"source"`
	Evidence string `json:"evidence"`
}

// DraftReply is the parsed drafting response.
type DraftReply struct {
	Subject    string
	Body       string
	Confidence float64
	Rationale  string
	Citations  []Citation
}

type draftPayload struct {
	Subject    string     `json:"subject"`
	Body       string     `json:"body"`
	Confidence *float64   `json:"confidence"`
	Rationale  string     `json:"rationale"`
	Citations  []Citation `json:"citations"`
}

// ErrEmptyDraft reports a response that parsed but carried no body.
var ErrEmptyDraft = errors.New("llm draft: empty body")

// Draft asks the model for a reply to the work order described by req.
func (c *Client) Draft(ctx context.Context, req DraftRequest) (DraftReply, error) {
	prompt, err := json.Marshal(req)
	if err != nil {
		return DraftReply{}, fmt.Errorf("llm draft: encode request: %w", err)
	}
	content, err := c.CompleteJSON(ctx, draftSystemPrompt, string(prompt))
	if err != nil {
		return DraftReply{}, err
	}
	var parsed draftPayload
	if err := DecodeLLMJSON(content, &parsed); err != nil {
		return DraftReply{}, fmt.Errorf("llm draft: parse payload: %w", err)
	}
	reply := DraftReply{
		Subject:    strings.TrimSpace(parsed.Subject),
		Body:       strings.TrimSpace(parsed.Body),
		Confidence: defaultDraftConfidence,
		Rationale:  strings.TrimSpace(parsed.Rationale),
	}
	if reply.Body == "" {
		return DraftReply{}, ErrEmptyDraft
	}
	if parsed.Confidence != nil {
		reply.Confidence = min(max(*parsed.Confidence, 0), 1)
	}
	for _, citation := range parsed.Citations {
		source := strings.TrimSpace(citation.Source)
		evidence := strings.TrimSpace(citation.Evidence)
		if source == "" && evidence == "" {
			continue
		}
		reply.Citations = append(reply.Citations, Citation{Source: source, Evidence: evidence})
	}
	return reply, nil
}
