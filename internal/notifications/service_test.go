package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"replydesk/internal/config"
	"replydesk/internal/notifications"
)

type ntfyRequest struct {
	title, tags, priority, body string
}

// ntfyTopic starts a fake ntfy topic and returns a config pointing at it
// along with every request it received.
func ntfyTopic(t *testing.T) (*config.Config, chan ntfyRequest) {
	t.Helper()
	got := make(chan ntfyRequest, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- ntfyRequest{
			title:    r.Header.Get("Title"),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
			body:     string(body),
		}
	}))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.RequestTimeout = 5
	return &cfg, got
}

func TestNoTopicMeansNoop(t *testing.T) {
	cfg := config.Default()
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventEscalated, notifications.Payload{"workOrderID": "wo-1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func TestPublishRendersEvents(t *testing.T) {
	cases := map[notifications.Event]struct {
		payload notifications.Payload
		want    ntfyRequest
	}{
		notifications.EventEscalated: {
			notifications.Payload{"workOrderID": "wo-7", "reason": "tier_or_fact_or_qa_or_confidence"},
			ntfyRequest{"Replydesk - Needs Review", "replydesk,review,escalated", "", "Work order wo-7 held for review (tier_or_fact_or_qa_or_confidence)"},
		},
		notifications.EventJobDeadLetter: {
			notifications.Payload{"jobID": "job_abc", "workOrderID": "wo-2", "error": "boom"},
			ntfyRequest{"Replydesk - Job Dead-Lettered", "replydesk,queue,dead_letter", "high", "Job job_abc for wo-2 gave up: boom"},
		},
		notifications.EventPublishDeadLetter: {
			notifications.Payload{"publishID": "pub_1", "workOrderID": "wo-3", "error": "webhook_http_500"},
			ntfyRequest{"Replydesk - Delivery Failed", "replydesk,publish,dead_letter", "high", "Publish row pub_1 for wo-3 dead-lettered: webhook_http_500"},
		},
		notifications.EventError: {
			notifications.Payload{"context": "worker", "error": "database is locked"},
			ntfyRequest{"Replydesk - Error", "replydesk,error,alert", "high", "Error with worker: database is locked"},
		},
	}
	for event, tc := range cases {
		t.Run(string(event), func(t *testing.T) {
			cfg, got := ntfyTopic(t)
			if err := notifications.NewService(cfg).Publish(context.Background(), event, tc.payload); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("expected one request, got %d", len(got))
			}
			if req := <-got; req != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, req)
			}
		})
	}
}

func TestEscalationReasonDefaultsToPolicy(t *testing.T) {
	cfg, got := ntfyTopic(t)
	if err := notifications.NewService(cfg).Publish(context.Background(), notifications.EventEscalated, notifications.Payload{"workOrderID": "wo-9"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one request, got %d", len(got))
	}
	if req := <-got; req.body != "Work order wo-9 held for review (policy)" {
		t.Fatalf("unexpected body %q", req.body)
	}
}

func TestWorkerPassStaysInLogs(t *testing.T) {
	cfg, got := ntfyTopic(t)
	if err := notifications.NewService(cfg).Publish(context.Background(), notifications.EventWorkerPass, notifications.Payload{"processed": 3}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("worker passes must not notify, got %d requests", len(got))
	}
}

func TestPublishReportsRejectedTopic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic gone", http.StatusNotFound)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	if err := notifications.NewService(&cfg).Publish(context.Background(), notifications.EventTest, nil); err == nil {
		t.Fatal("expected a 404 from ntfy to surface as an error")
	}
}
