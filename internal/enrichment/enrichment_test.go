package enrichment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"replydesk/internal/enrichment"
	"replydesk/internal/workorder"
)

func TestCRMLookupDisabledWithoutURL(t *testing.T) {
	client := enrichment.NewCRMClient(enrichment.CRMConfig{}, nil)
	result := client.Lookup(context.Background(), workorder.WorkOrder{ID: "wo-1", Sender: "a@b.com"})
	if result.Status != enrichment.StatusDisabled || result.Reason != enrichment.ReasonNotConfigured {
		t.Fatalf("unexpected outcome: %+v", result)
	}
	if result.Match != nil {
		t.Fatal("expected no match")
	}
}

func TestCRMLookupScoresBestMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer crm-token" {
			t.Errorf("missing bearer token")
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["domain"] != "example.com" {
			t.Errorf("unexpected domain %q", req["domain"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{
			map[string]any{"name": "Other Corp", "domain": "other.com"},
			map[string]any{"name": "Example Sibling", "domain": "example.org"},
			map[string]any{"name": "Example Inc", "email": "jane.doe@example.com", "domain": "example.com", "fields": map[string]string{"owner": "sam"}},
		}})
	}))
	defer server.Close()

	client := enrichment.NewCRMClient(enrichment.CRMConfig{APIURL: server.URL, Token: "crm-token"}, nil)
	result := client.Lookup(context.Background(), workorder.WorkOrder{ID: "wo-1", Sender: "Jane.Doe@example.com"})
	if result.Status != enrichment.StatusEnabled || result.Match == nil {
		t.Fatalf("expected enabled match, got %+v", result)
	}
	if result.Match.Name != "Example Inc" || result.Match.Score != 8 || result.Match.Confidence != "high" {
		t.Fatalf("unexpected match: %+v", result.Match)
	}
	if result.Match.Fields["owner"] != "sam" {
		t.Fatalf("expected fields passthrough, got %+v", result.Match.Fields)
	}
}

func TestCRMLookupFailureIsExplicit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := enrichment.NewCRMClient(enrichment.CRMConfig{APIURL: server.URL, Timeout: time.Second}, nil)
	result := client.Lookup(context.Background(), workorder.WorkOrder{ID: "wo-1", Sender: "a@b.com"})
	if result.Status != enrichment.StatusFailed || !strings.HasPrefix(result.Reason, "lookup_failed:") {
		t.Fatalf("unexpected outcome: %+v", result)
	}
	if result.Match != nil {
		t.Fatal("failed lookup must carry empty enrichment")
	}
}

func TestThreadHistorySummarizesRecentMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/conv-1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "2" {
			t.Errorf("unexpected limit %q", r.URL.Query().Get("limit"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": []any{
			map[string]any{"from": "a@x.com", "body_preview": "first"},
			map[string]any{"from": "b@x.com", "body_preview": "second line one\nline two"},
			map[string]any{"from": "c@x.com", "body_preview": "third"},
		}})
	}))
	defer server.Close()

	client := enrichment.NewThreadClient(enrichment.ThreadConfig{APIURL: server.URL, MaxMessages: 2}, nil)
	wo := workorder.WorkOrder{ID: "wo-1", Threading: workorder.Threading{ConversationID: "conv-1"}}
	result := client.History(context.Background(), wo)
	if result.Status != enrichment.StatusEnabled {
		t.Fatalf("unexpected outcome: %+v", result)
	}
	if result.Summary != "b@x.com: second line one\nc@x.com: third" {
		t.Fatalf("unexpected summary %q", result.Summary)
	}
}

func TestThreadHistoryWithoutConversation(t *testing.T) {
	client := enrichment.NewThreadClient(enrichment.ThreadConfig{APIURL: "http://127.0.0.1:1"}, nil)
	result := client.History(context.Background(), workorder.WorkOrder{ID: "wo-1"})
	if result.Status != enrichment.StatusDisabled || result.Reason != enrichment.ReasonNoConversation {
		t.Fatalf("unexpected outcome: %+v", result)
	}
}
