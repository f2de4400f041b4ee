package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"replydesk/internal/services"
)

// Status is the explicit variant of a lookup outcome.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
	StatusFailed   Status = "error"
)

const (
	ReasonNotConfigured  = "not_configured"
	ReasonNoMatch        = "no_match"
	ReasonNoConversation = "no_conversation"
)

// Outcome is embedded by every lookup result.
type Outcome struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func disabled(reason string) Outcome { return Outcome{Status: StatusDisabled, Reason: reason} }

func failed(err error) Outcome {
	return Outcome{Status: StatusFailed, Reason: "lookup_failed:" + services.Kind(err)}
}

const maxLookupBody = 1 << 20

// doJSON issues a request and decodes a 2xx JSON response into out.
func doJSON(ctx context.Context, client *http.Client, method, url, token string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "enrichment", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return services.Wrap(services.ErrExternalTool, "enrichment", method, fmt.Sprintf("http %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)), nil)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxLookupBody)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
