package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"replydesk/internal/logging"
	"replydesk/internal/workorder"
)

// ThreadConfig configures the thread-history endpoint.
type ThreadConfig struct {
	APIURL      string
	Token       string
	Timeout     time.Duration
	MaxMessages int
}

// ThreadMessage is one prior message in the conversation.
type ThreadMessage struct {
	From    string `json:"from"`
	SentAt  string `json:"sent_at,omitempty"`
	Preview string `json:"preview"`
}

// ThreadResult is the thread-history lookup outcome.
type ThreadResult struct {
	Outcome
	Summary  string          `json:"summary,omitempty"`
	Messages []ThreadMessage `json:"messages,omitempty"`
}

// ThreadClient fetches recent messages of a conversation.
type ThreadClient struct {
	cfg    ThreadConfig
	client *http.Client
	logger *slog.Logger
}

// NewThreadClient returns a client; an empty API URL disables lookups.
func NewThreadClient(cfg ThreadConfig, logger *slog.Logger) *ThreadClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 5
	}
	return &ThreadClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logging.NewComponentLogger(logger, "threads"),
	}
}

type threadResponse struct {
	Messages []struct {
		From        string `json:"from"`
		SentAt      string `json:"sent_at"`
		BodyPreview string `json:"body_preview"`
	} `json:"messages"`
}

// History returns the last messages of the work order's conversation.
func (c *ThreadClient) History(ctx context.Context, wo workorder.WorkOrder) ThreadResult {
	if c == nil || strings.TrimSpace(c.cfg.APIURL) == "" {
		return ThreadResult{Outcome: disabled(ReasonNotConfigured)}
	}
	conversation := strings.TrimSpace(wo.ConversationID)
	if conversation == "" {
		return ThreadResult{Outcome: disabled(ReasonNoConversation)}
	}
	endpoint, err := url.JoinPath(c.cfg.APIURL, "conversations", conversation, "messages")
	if err != nil {
		return ThreadResult{Outcome: failed(err)}
	}
	endpoint = fmt.Sprintf("%s?limit=%d", endpoint, c.cfg.MaxMessages)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var response threadResponse
	if err := doJSON(ctx, c.client, http.MethodGet, endpoint, c.cfg.Token, nil, &response); err != nil {
		logging.WarnWithContext(c.logger, "thread history lookup failed", "thread_lookup_failed",
			logging.String(logging.FieldWorkOrderID, wo.ID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check threads.api_url and threads.api_token"),
		)
		return ThreadResult{Outcome: failed(err)}
	}

	messages := response.Messages
	if len(messages) > c.cfg.MaxMessages {
		messages = messages[len(messages)-c.cfg.MaxMessages:]
	}
	result := ThreadResult{Outcome: Outcome{Status: StatusEnabled}}
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		preview := firstLine(msg.BodyPreview)
		result.Messages = append(result.Messages, ThreadMessage{From: msg.From, SentAt: msg.SentAt, Preview: preview})
		lines = append(lines, fmt.Sprintf("%s: %s", strings.TrimSpace(msg.From), preview))
	}
	result.Summary = strings.Join(lines, "\n")
	return result
}

func firstLine(value string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(value), "\n")
	line = strings.TrimSpace(line)
	if runes := []rune(line); len(runes) > 200 {
		line = string(runes[:200])
	}
	return line
}
