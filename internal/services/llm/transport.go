package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"replydesk/internal/services"
)

const maxResponseBytes = 1 << 20

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Message struct {
		Content string `json:"content"`
		Refusal string `json:"refusal"`
	} `json:"message"`
	// Some providers fill delta even for non-streaming calls.
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// StatusError is a non-2xx answer from the provider.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, snippet(e.Body))
}

// Unwrap tags the status with the shared failure markers.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusUnauthorized, e.Code == http.StatusForbidden:
		return services.ErrConfiguration
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests, e.Code >= 500:
		return services.ErrTransient
	default:
		return services.ErrExternalTool
	}
}

// errEmptyContent marks a 2xx reply without usable text.
var errEmptyContent = errors.New("empty completion")

func (c *Client) newRequest(systemPrompt, userPrompt string) chatRequest {
	return chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    draftTemperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	}
}

// roundTrip performs one HTTP exchange and returns the first non-empty choice.
func (c *Client) roundTrip(ctx context.Context, payload chatRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", &StatusError{
			Code:       resp.StatusCode,
			Body:       string(raw),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil {
		return "", fmt.Errorf("%w: provider error: %s", services.ErrExternalTool, strings.TrimSpace(decoded.Error.Message))
	}
	var finish, refusal string
	for _, choice := range decoded.Choices {
		for _, text := range []string{choice.Message.Content, choice.Delta.Content} {
			if text = strings.TrimSpace(text); text != "" {
				return text, nil
			}
		}
		finish = cmpOr(finish, choice.FinishReason)
		refusal = cmpOr(refusal, choice.Message.Refusal)
	}
	return "", fmt.Errorf("%w (finish_reason=%q refusal=%q)", errEmptyContent, finish, refusal)
}

func cmpOr(current, candidate string) string {
	if current != "" {
		return current
	}
	return strings.TrimSpace(candidate)
}

type retryPolicy struct {
	attempts int
	base     time.Duration
	ceiling  time.Duration
	sleeper  func(time.Duration)
}

// next decides whether attempt may be followed by another and how long to
// wait first. Only throttling, server faults, timeouts and empty replies retry.
func (p retryPolicy) next(ctx context.Context, err error, attempt int) (time.Duration, bool) {
	if attempt >= p.attempts || ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}
	var status *StatusError
	if errors.As(err, &status) {
		if !errors.Is(status, services.ErrTransient) {
			return 0, false
		}
		if status.RetryAfter > 0 {
			return min(status.RetryAfter, p.ceiling), true
		}
		return p.backoff(attempt), true
	}
	var netErr net.Error
	if errors.Is(err, errEmptyContent) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return p.backoff(attempt), true
	}
	return 0, false
}

// backoff is base doubled per prior attempt, capped at ceiling.
func (p retryPolicy) backoff(attempt int) time.Duration {
	if p.base <= 0 {
		return 0
	}
	delay := p.base << max(attempt-1, 0)
	if delay <= 0 || (p.ceiling > 0 && delay > p.ceiling) {
		delay = p.ceiling
	}
	return delay
}

func (p retryPolicy) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if p.sleeper != nil {
		p.sleeper(d)
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}
