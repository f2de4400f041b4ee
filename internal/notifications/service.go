package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"replydesk/internal/config"
)

const userAgent = "Replydesk-Go/0.1.0"

// Event names a notification-worthy milestone.
type Event string

const (
	EventEscalated         Event = "escalated"
	EventJobDeadLetter     Event = "job_dead_letter"
	EventPublishDeadLetter Event = "publish_dead_letter"
	EventWorkerPass        Event = "worker_pass"
	EventError             Event = "error"
	EventTest              Event = "test"
)

// Payload carries event fields. Unknown keys are ignored.
type Payload map[string]any

// Service defines the notification surface exposed to workers.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func format(event Event, payload Payload) (message, bool) {
	switch event {
	case EventEscalated:
		return message{
			title: "Replydesk - Needs Review",
			body:  fmt.Sprintf("Work order %s held for review (%s)", payload.text("workOrderID"), fallback(payload.text("reason"), "policy")),
			tags:  []string{"replydesk", "review", "escalated"},
		}, true
	case EventJobDeadLetter:
		return message{
			title:    "Replydesk - Job Dead-Lettered",
			body:     fmt.Sprintf("Job %s for %s gave up: %s", payload.text("jobID"), payload.text("workOrderID"), fallback(payload.text("error"), "unknown")),
			tags:     []string{"replydesk", "queue", "dead_letter"},
			priority: "high",
		}, true
	case EventPublishDeadLetter:
		return message{
			title:    "Replydesk - Delivery Failed",
			body:     fmt.Sprintf("Publish row %s for %s dead-lettered: %s", payload.text("publishID"), payload.text("workOrderID"), fallback(payload.text("error"), "unknown")),
			tags:     []string{"replydesk", "publish", "dead_letter"},
			priority: "high",
		}, true
	case EventError:
		var builder strings.Builder
		builder.WriteString("Error")
		if label := payload.text("context"); label != "" {
			builder.WriteString(" with ")
			builder.WriteString(label)
		}
		builder.WriteString(": ")
		builder.WriteString(fallback(payload.text("error"), "unknown"))
		return message{
			title:    "Replydesk - Error",
			body:     builder.String(),
			tags:     []string{"replydesk", "error", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "Replydesk - Test",
			body:     "Notification system test",
			tags:     []string{"replydesk", "test"},
			priority: "low",
		}, true
	default:
		// Routine events such as worker passes stay in the logs.
		return message{}, false
	}
}

func (p Payload) text(key string) string {
	value, ok := p[key]
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

func fallback(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

func (n *ntfyService) send(ctx context.Context, data message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
