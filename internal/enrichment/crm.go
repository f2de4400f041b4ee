package enrichment

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"replydesk/internal/logging"
	"replydesk/internal/workorder"
)

// CRMConfig configures the CRM lookup endpoint.
type CRMConfig struct {
	APIURL  string
	Token   string
	Timeout time.Duration
}

// CRMMatch is the best-scoring CRM record for a sender.
type CRMMatch struct {
	Name       string            `json:"name"`
	Email      string            `json:"email,omitempty"`
	Domain     string            `json:"domain,omitempty"`
	Score      int               `json:"score"`
	Confidence string            `json:"confidence"`
	MatchedOn  []string          `json:"matched_on"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// CRMResult is the CRM lookup outcome. Match is nil unless Status is enabled
// and a record scored above zero.
type CRMResult struct {
	Outcome
	Match *CRMMatch `json:"match,omitempty"`
}

// CRMClient looks up sender accounts.
type CRMClient struct {
	cfg    CRMConfig
	client *http.Client
	logger *slog.Logger
}

// NewCRMClient returns a client; an empty API URL yields a client whose every
// lookup is Disabled.
func NewCRMClient(cfg CRMConfig, logger *slog.Logger) *CRMClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	return &CRMClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logging.NewComponentLogger(logger, "crm"),
	}
}

type crmLookupRequest struct {
	Email  string `json:"email"`
	Domain string `json:"domain"`
	Name   string `json:"name"`
}

type crmLookupResponse struct {
	Items []struct {
		Name   string            `json:"name"`
		Email  string            `json:"email"`
		Domain string            `json:"domain"`
		Fields map[string]string `json:"fields"`
	} `json:"items"`
}

// Lookup finds the CRM record that best matches the work order sender.
func (c *CRMClient) Lookup(ctx context.Context, wo workorder.WorkOrder) CRMResult {
	if c == nil || strings.TrimSpace(c.cfg.APIURL) == "" {
		return CRMResult{Outcome: disabled(ReasonNotConfigured)}
	}
	email := strings.ToLower(strings.TrimSpace(wo.Sender))
	domain := wo.SenderDomain()
	request := crmLookupRequest{Email: email, Domain: domain, Name: senderName(email)}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var response crmLookupResponse
	if err := doJSON(ctx, c.client, http.MethodPost, c.cfg.APIURL, c.cfg.Token, request, &response); err != nil {
		logging.WarnWithContext(c.logger, "crm lookup failed", "crm_lookup_failed",
			logging.String(logging.FieldWorkOrderID, wo.ID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check crm.api_url and crm.api_token"),
		)
		return CRMResult{Outcome: failed(err)}
	}

	var best *CRMMatch
	for _, item := range response.Items {
		score, matched := scoreCRMItem(request, item.Email, item.Domain, item.Name)
		if score == 0 || (best != nil && score <= best.Score) {
			continue
		}
		best = &CRMMatch{
			Name:       item.Name,
			Email:      item.Email,
			Domain:     item.Domain,
			Score:      score,
			Confidence: crmConfidence(score),
			MatchedOn:  matched,
			Fields:     item.Fields,
		}
	}
	if best == nil {
		return CRMResult{Outcome: Outcome{Status: StatusEnabled, Reason: ReasonNoMatch}}
	}
	return CRMResult{Outcome: Outcome{Status: StatusEnabled}, Match: best}
}

// scoreCRMItem weights an exact email match 5, a domain match 3, a shared
// domain root 2, and a name match 1.
func scoreCRMItem(req crmLookupRequest, email, domain, name string) (int, []string) {
	email = strings.ToLower(strings.TrimSpace(email))
	domain = strings.ToLower(strings.TrimSpace(domain))
	name = strings.ToLower(strings.TrimSpace(name))

	score := 0
	var matched []string
	if email != "" && email == req.Email {
		score += 5
		matched = append(matched, "email")
	}
	if domain != "" && domain == req.Domain {
		score += 3
		matched = append(matched, "domain")
	} else if root := domainRoot(domain); root != "" && root == domainRoot(req.Domain) {
		score += 2
		matched = append(matched, "domain_root")
	}
	if name != "" && req.Name != "" && strings.Contains(name, req.Name) {
		score++
		matched = append(matched, "name")
	}
	return score, matched
}

func crmConfidence(score int) string {
	switch {
	case score >= 5:
		return "high"
	case score >= 2:
		return "medium"
	default:
		return "low"
	}
}

// domainRoot returns the second-level label, "acme" for "mail.acme.com".
func domainRoot(domain string) string {
	parts := strings.Split(strings.Trim(domain, "."), ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

func senderName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(local)
}
