package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"replydesk/internal/services"
)

const (
	defaultWebhookTimeout = 8 * time.Second
	userAgent             = "Replydesk-Go/0.1.0"
	maxErrorBodyBytes     = 512
)

// Failure codes recorded in last_error.
const (
	CodeNotConfigured = "webhook_not_configured"
	codeHTTPPrefix    = "webhook_http_"
	codeErrorPrefix   = "webhook_error:"
)

// Deliverer posts one publish payload to the outside world.
type Deliverer interface {
	Deliver(ctx context.Context, payload json.RawMessage) error
}

// DeliveryError is a failed delivery. Code is the stable label stored on the
// publish row; Err carries the underlying cause when there is one.
type DeliveryError struct {
	Code string
	Body string
	Err  error
}

func (e *DeliveryError) Error() string {
	return e.Code
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Webhook delivers payloads as JSON POSTs.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook returns a webhook deliverer. An empty url yields a deliverer
// whose every attempt fails with CodeNotConfigured.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
	}
}

// Deliver implements Deliverer. Any status of 400 or above is a failure.
func (w *Webhook) Deliver(ctx context.Context, payload json.RawMessage) error {
	if w == nil || w.url == "" {
		return &DeliveryError{Code: CodeNotConfigured}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return &DeliveryError{Code: codeErrorPrefix + "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return &DeliveryError{Code: codeErrorPrefix + services.Kind(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &DeliveryError{
			Code: fmt.Sprintf("%s%d", codeHTTPPrefix, resp.StatusCode),
			Body: strings.TrimSpace(string(snippet)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
