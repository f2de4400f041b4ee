package publish_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"replydesk/internal/logging"
	"replydesk/internal/notifications"
	"replydesk/internal/publish"
	"replydesk/internal/queue"
)

type countingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (n *countingNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func enqueuePublish(t *testing.T, q queue.PublishQueue, workOrderID, payload string) {
	t.Helper()
	created, err := q.EnqueuePublish(context.Background(), workOrderID, json.RawMessage(payload))
	if err != nil {
		t.Fatalf("EnqueuePublish failed: %v", err)
	}
	if !created {
		t.Fatalf("expected a new publish row for %s", workOrderID)
	}
}

func onlyRow(t *testing.T, store *queue.MemoryStore) *queue.PublishRow {
	t.Helper()
	rows, err := store.ListPublish(context.Background())
	if err != nil {
		t.Fatalf("ListPublish failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one publish row, got %d", len(rows))
	}
	return rows[0]
}

func TestRunOnceEmpty(t *testing.T) {
	d := publish.NewDispatcher(queue.NewMemoryStore(), publish.NewWebhook("", 0), publish.Options{AutoSend: true})
	result, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if result.Status != publish.StatusEmpty {
		t.Fatalf("expected empty, got %+v", result)
	}
}

func TestRunOnceSkipsWithoutNetwork(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	tests := []struct {
		name     string
		payload  string
		autoSend bool
		note     string
	}{
		{"send false", `{"work_order_id":"wo-1","send":false}`, true, publish.NoteSendFalse},
		{"send string no", `{"work_order_id":"wo-1","send":"no"}`, true, publish.NoteSendFalse},
		{"auto send off", `{"work_order_id":"wo-1","send":true}`, false, publish.NoteAutoSendDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := queue.NewMemoryStore()
			enqueuePublish(t, store, "wo-1", tt.payload)
			d := publish.NewDispatcher(store, publish.NewWebhook(server.URL, time.Second), publish.Options{AutoSend: tt.autoSend})

			result, err := d.RunOnce(context.Background())
			if err != nil {
				t.Fatalf("RunOnce failed: %v", err)
			}
			if result.Status != publish.StatusSkipped || result.Reason != tt.note {
				t.Fatalf("unexpected result %+v", result)
			}
			row := onlyRow(t, store)
			if row.Status != queue.PublishDispatched || row.Note != tt.note {
				t.Fatalf("expected dispatched row with note %s, got %+v", tt.note, row)
			}
		})
	}
	if hits.Load() != 0 {
		t.Fatalf("skipped rows must not reach the webhook, got %d calls", hits.Load())
	}
}

func TestRunOnceDeliversPayload(t *testing.T) {
	payload := `{"work_order_id":"wo-2","to":"person@example.com","subject":"Re: hi","body":"Hello","send":true}`
	var received []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	store := queue.NewMemoryStore()
	enqueuePublish(t, store, "wo-2", payload)
	d := publish.NewDispatcher(store, publish.NewWebhook(server.URL, time.Second), publish.Options{
		AutoSend: true,
		Logger:   logging.NewNop(),
	})

	result, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if result.Status != publish.StatusDispatched || result.WorkOrderID != "wo-2" {
		t.Fatalf("unexpected result %+v", result)
	}
	if string(received) != payload {
		t.Fatalf("webhook received %s", received)
	}
	row := onlyRow(t, store)
	if row.Status != queue.PublishDispatched || row.DispatchedAt == nil {
		t.Fatalf("expected dispatched row, got %+v", row)
	}

	again, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if again.Status != publish.StatusEmpty {
		t.Fatalf("a dispatched row must never be claimed again, got %+v", again)
	}
}

func TestRunOnceRetriesThenDeadLetters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	store := queue.NewMemoryStore()
	enqueuePublish(t, store, "wo-3", `{"work_order_id":"wo-3"}`)
	notifier := &countingNotifier{}
	d := publish.NewDispatcher(store, publish.NewWebhook(server.URL, time.Second), publish.Options{
		AutoSend:    true,
		MaxAttempts: 2,
		Notifier:    notifier,
	})

	first, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if first.Status != publish.StatusQueued || first.Error != "webhook_http_502" {
		t.Fatalf("unexpected first result %+v", first)
	}
	second, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if second.Status != publish.StatusDeadLetter || second.Attempt != 2 {
		t.Fatalf("unexpected second result %+v", second)
	}
	row := onlyRow(t, store)
	if row.Status != queue.PublishDeadLetter || row.LastError != "webhook_http_502" {
		t.Fatalf("unexpected row %+v", row)
	}
	if len(notifier.events) != 1 || notifier.events[0] != notifications.EventPublishDeadLetter {
		t.Fatalf("expected one dead-letter notification, got %v", notifier.events)
	}

	requeued, err := store.RetryDeadLetterPublish(context.Background())
	if err != nil {
		t.Fatalf("RetryDeadLetterPublish failed: %v", err)
	}
	if requeued != 1 || onlyRow(t, store).Status != queue.PublishQueued {
		t.Fatalf("expected the row to be requeued, got %d", requeued)
	}
}

func TestRunOnceWithoutWebhook(t *testing.T) {
	store := queue.NewMemoryStore()
	enqueuePublish(t, store, "wo-4", `{"work_order_id":"wo-4","send":"YES"}`)
	d := publish.NewDispatcher(store, publish.NewWebhook("  ", 0), publish.Options{AutoSend: true})

	result, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if result.Status != publish.StatusQueued || result.Error != publish.CodeNotConfigured {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestWebhookTransportErrorCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	err := publish.NewWebhook(url, time.Second).Deliver(context.Background(), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected delivery to a closed server to fail")
	}
	if err.Error() != "webhook_error:network" {
		t.Fatalf("unexpected failure code %q", err.Error())
	}
}

func TestShouldSend(t *testing.T) {
	tests := []struct {
		payload string
		want    bool
	}{
		{`{}`, true},
		{`{"send":true}`, true},
		{`{"send":false}`, false},
		{`{"send":"On"}`, true},
		{`{"send":" 1 "}`, true},
		{`{"send":"off"}`, false},
		{`{"send":0}`, false},
		{`{"send":2}`, true},
		{`{"send":null}`, false},
	}
	for _, tt := range tests {
		if got := publish.ShouldSend(json.RawMessage(tt.payload)); got != tt.want {
			t.Fatalf("ShouldSend(%s) = %v, want %v", tt.payload, got, tt.want)
		}
	}
}
