// Package precedent keeps the append-only log of human review decisions and
// answers majority-vote lookups over it.
package precedent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"replydesk/internal/escalation"
	"replydesk/internal/workorder"
)

// Decision values recorded by reviewers and by the policy gate.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionUnknown = "unknown"
)

// Record is one historical decision.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	Key       string          `json:"key"`
	Sender    string          `json:"sender"`
	Labels    []string        `json:"labels"`
	Tier      escalation.Tier `json:"tier"`
	Decision  string          `json:"decision"`
	Source    string          `json:"source,omitempty"`
}

// Log is the durable store behind the memory.
type Log interface {
	AppendPrecedent(ctx context.Context, record Record) error
	PrecedentsByKey(ctx context.Context, key string) ([]Record, error)
}

// Result is a lookup outcome. Decision and Confidence are reported even when
// Found is false so operators can see how close a key is to auto-approval.
type Result struct {
	Key        string  `json:"key"`
	Found      bool    `json:"found"`
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Samples    int     `json:"samples"`
}

// Approving reports whether the result is a found approval.
func (r Result) Approving() bool {
	return r.Found && r.Decision == DecisionApprove
}

// Memory applies the sample and confidence thresholds to a Log.
type Memory struct {
	log           Log
	minSamples    int
	minConfidence float64
	now           func() time.Time
}

// NewMemory wraps log with the given thresholds.
func NewMemory(log Log, minSamples int, minConfidence float64) *Memory {
	if minSamples <= 0 {
		minSamples = 1
	}
	return &Memory{log: log, minSamples: minSamples, minConfidence: minConfidence, now: time.Now}
}

// Key derives the lookup key: sender domain, sorted labels, tier.
func Key(wo workorder.WorkOrder, tier escalation.Tier) string {
	return wo.SenderDomain() + "|" + strings.Join(wo.SortedLabels(), ",") + "|" + string(tier)
}

// Lookup aggregates every record under key and takes the majority decision.
// Ties go to the decision seen first.
func (m *Memory) Lookup(ctx context.Context, key string) (Result, error) {
	result := Result{Key: key, Decision: DecisionUnknown}
	records, err := m.log.PrecedentsByKey(ctx, key)
	if err != nil {
		return result, fmt.Errorf("precedent lookup: %w", err)
	}
	if len(records) == 0 {
		return result, nil
	}

	counts := make(map[string]int)
	var order []string
	for _, record := range records {
		decision := strings.ToLower(strings.TrimSpace(record.Decision))
		if decision == "" {
			decision = DecisionUnknown
		}
		if _, seen := counts[decision]; !seen {
			order = append(order, decision)
		}
		counts[decision]++
	}
	majority := order[0]
	for _, decision := range order[1:] {
		if counts[decision] > counts[majority] {
			majority = decision
		}
	}

	result.Samples = len(records)
	result.Decision = majority
	result.Confidence = float64(counts[majority]) / float64(len(records))
	result.Found = result.Samples >= m.minSamples && result.Confidence >= m.minConfidence
	return result, nil
}

// Record builds the entry Append would write without writing it.
func (m *Memory) Record(wo workorder.WorkOrder, tier escalation.Tier, decision, source string) Record {
	return Record{
		Timestamp: m.now().UTC(),
		Key:       Key(wo, tier),
		Sender:    wo.Sender,
		Labels:    wo.SortedLabels(),
		Tier:      tier,
		Decision:  decision,
		Source:    source,
	}
}

// Append records a decision for wo at tier.
func (m *Memory) Append(ctx context.Context, wo workorder.WorkOrder, tier escalation.Tier, decision, source string) (Record, error) {
	record := m.Record(wo, tier, decision, source)
	if err := m.log.AppendPrecedent(ctx, record); err != nil {
		return Record{}, fmt.Errorf("precedent append: %w", err)
	}
	return record, nil
}
