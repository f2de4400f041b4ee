package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"replydesk/internal/services"
)

const (
	defaultEndpoint       = "https://api.openai.com/v1/chat/completions"
	defaultHTTPTimeout    = 20 * time.Second
	defaultRetryAttempts  = 2
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 4 * time.Second
	draftTemperature      = 0.2
)

// Config holds the provider settings.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
}

// Client talks to an OpenAI-compatible chat completions endpoint in JSON mode.
type Client struct {
	apiKey   string
	endpoint string
	model    string
	http     *http.Client
	retry    retryPolicy
}

// Option adjusts a Client.
type Option func(*Client)

// WithHTTPClient swaps the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithRetryMaxAttempts sets how many requests one completion may make.
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) { c.retry.attempts = attempts }
}

// WithRetryBackoff sets the first retry delay and its ceiling.
func WithRetryBackoff(base, ceiling time.Duration) Option {
	return func(c *Client) {
		c.retry.base = base
		c.retry.ceiling = ceiling
	}
}

// WithSleeper replaces the wait between attempts.
func WithSleeper(sleep func(time.Duration)) Option {
	return func(c *Client) { c.retry.sleeper = sleep }
}

// NewClient builds a client from cfg.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	c := &Client{
		apiKey:   strings.TrimSpace(cfg.APIKey),
		endpoint: strings.TrimSpace(cfg.BaseURL),
		model:    strings.TrimSpace(cfg.Model),
		http:     &http.Client{Timeout: timeout},
		retry: retryPolicy{
			attempts: defaultRetryAttempts,
			base:     defaultRetryBaseDelay,
			ceiling:  defaultRetryMaxDelay,
		},
	}
	if c.endpoint == "" {
		c.endpoint = defaultEndpoint
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model reports the configured model name.
func (c *Client) Model() string {
	return c.model
}

// CompleteJSON sends one system and one user message and returns the model's
// raw JSON content.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	systemPrompt = strings.TrimSpace(systemPrompt)
	userPrompt = strings.TrimSpace(userPrompt)
	if systemPrompt == "" || userPrompt == "" {
		return "", services.Wrap(services.ErrValidation, "llm", "complete", "system and user prompts are required", nil)
	}
	if c.apiKey == "" {
		return "", services.Wrap(services.ErrConfiguration, "llm", "complete", "api key is not set", nil)
	}
	return c.complete(ctx, "complete", c.newRequest(systemPrompt, userPrompt))
}

// HealthCheck asks for a fixed {"ok":true} reply to prove the key and model work.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.apiKey == "" {
		return services.Wrap(services.ErrConfiguration, "llm", "health", "api key is not set", nil)
	}
	content, err := c.complete(ctx, "health", c.newRequest(
		"Reply with JSON only.",
		`Return exactly {"ok":true}`,
	))
	if err != nil {
		return err
	}
	var reply struct {
		OK bool `json:"ok"`
	}
	if err := DecodeLLMJSON(content, &reply); err != nil {
		return fmt.Errorf("llm health: %w", err)
	}
	if !reply.OK {
		return services.Wrap(services.ErrExternalTool, "llm", "health", "model did not confirm", nil)
	}
	return nil
}

// complete runs req under the retry policy.
func (c *Client) complete(ctx context.Context, op string, req chatRequest) (string, error) {
	var (
		lastErr error
		tries   int
	)
	for tries < max(c.retry.attempts, 1) {
		tries++
		content, err := c.roundTrip(ctx, req)
		if err == nil {
			return content, nil
		}
		lastErr = err
		wait, again := c.retry.next(ctx, err, tries)
		if !again {
			break
		}
		if err := c.retry.wait(ctx, wait); err != nil {
			return "", err
		}
	}
	if tries > 1 {
		return "", fmt.Errorf("llm %s: gave up after %d attempts: %w", op, tries, lastErr)
	}
	return "", fmt.Errorf("llm %s: %w", op, lastErr)
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	return c.retry.backoff(attempt)
}
