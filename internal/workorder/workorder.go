// Package workorder defines the immutable inbound unit of work and the loose
// decoding rules intake records are held to.
package workorder

import (
	"cmp"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"replydesk/internal/services"
)

// Threading carries mail metadata the publish payload passes through untouched.
type Threading struct {
	MessageID      string   `json:"message_id,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	FromAddr       string   `json:"from_addr,omitempty"`
	ToAddrs        []string `json:"to_addrs,omitempty"`
	CCAddrs        []string `json:"cc_addrs,omitempty"`
	InReplyTo      string   `json:"in_reply_to,omitempty"`
	References     string   `json:"references,omitempty"`
}

// WorkOrder is one email-derived unit of inbound intent. The core never
// mutates a work order after decoding it.
type WorkOrder struct {
	ID            string   `json:"id"`
	CreatedAt     string   `json:"created_at,omitempty"`
	Source        string   `json:"source,omitempty"`
	Sender        string   `json:"sender"`
	Subject       string   `json:"subject"`
	Body          string   `json:"body,omitempty"`
	Labels        []string `json:"labels"`
	Status        string   `json:"status,omitempty"`
	SourceEventID string   `json:"source_event_id,omitempty"`
	Threading
}

// rawWorkOrder accepts the spellings intake producers actually emit.
type rawWorkOrder struct {
	WorkOrder
	ID            flexString      `json:"id"`
	SourceEventID flexString      `json:"source_event_id"`
	EmailEventID  flexString      `json:"email_event_id"`
	RawLabels     json.RawMessage `json:"labels"`
}

// flexString decodes a JSON string or number. Numbers are rendered the way
// the ingest tracker renders them so job keys and decoded ids agree.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = flexString(strconv.FormatFloat(n, 'f', -1, 64))
	return nil
}

// Decode parses a work order record and validates it.
func Decode(data []byte) (WorkOrder, error) {
	var raw rawWorkOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return WorkOrder{}, services.Wrap(services.ErrValidation, "workorder", "decode", "malformed record", err)
	}
	wo := raw.WorkOrder
	wo.ID = string(raw.ID)
	wo.SourceEventID = string(cmp.Or(raw.SourceEventID, raw.EmailEventID))
	labels, err := decodeLabels(raw.RawLabels)
	if err != nil {
		return WorkOrder{}, services.Wrap(services.ErrValidation, "workorder", "decode", "labels", err)
	}
	wo.Labels = labels
	wo = wo.normalized()
	if err := wo.Validate(); err != nil {
		return WorkOrder{}, err
	}
	return wo, nil
}

func decodeLabels(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var joined string
	if err := json.Unmarshal(raw, &joined); err != nil {
		return nil, fmt.Errorf("labels must be a list or comma separated string")
	}
	return strings.Split(joined, ","), nil
}

func (w WorkOrder) normalized() WorkOrder {
	w.ID = strings.TrimSpace(w.ID)
	w.Sender = strings.TrimSpace(w.Sender)
	w.Subject = strings.TrimSpace(w.Subject)
	w.SourceEventID = strings.TrimSpace(w.SourceEventID)
	labels := make([]string, 0, len(w.Labels))
	for _, label := range w.Labels {
		if trimmed := strings.TrimSpace(label); trimmed != "" {
			labels = append(labels, trimmed)
		}
	}
	w.Labels = labels
	return w
}

// Validate reports a validation error when the work order cannot be processed.
func (w WorkOrder) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return services.Wrap(services.ErrValidation, "workorder", "validate", "id is required", nil)
	}
	return nil
}

// SenderDomain returns the lowercased domain of the sender address, or the
// whole sender when it carries no @.
func (w WorkOrder) SenderDomain() string {
	sender := strings.ToLower(strings.TrimSpace(w.Sender))
	if _, domain, ok := strings.Cut(sender, "@"); ok {
		return domain
	}
	return sender
}

// SortedLabels returns a sorted copy of the label set.
func (w WorkOrder) SortedLabels() []string {
	labels := append([]string(nil), w.Labels...)
	sort.Strings(labels)
	return labels
}

// Text is the subject and sender text the escalation classifier reads.
func (w WorkOrder) Text() string {
	return strings.TrimSpace(w.Subject + " " + w.Sender)
}
