// Package intake is the preliminary filter in front of the engine. It splits
// raw work order records into actionable rows, which feed the ingest tailer,
// and rejected rows tagged with the first reason that applied.
package intake

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// Decision values.
const (
	DecisionActionable = "actionable"
	DecisionRejected   = "rejected"
)

// Reasons, checked in this order; only the first match is reported.
const (
	ReasonAccepted       = "accepted"
	ReasonDuplicate      = "duplicate"
	ReasonInvalidMapping = "invalid_mapping"
	ReasonLikelyNoise    = "likely_noise"
)

var (
	noiseSenderTokens  = []string{"no-reply", "noreply", "do-not-reply", "donotreply", "notifications@"}
	noiseSubjectTokens = []string{"newsletter", "weekly digest", "unsubscribe", "your receipt", "promo", "webinar"}

	// Column headers leaked by spreadsheet-mapped mail connectors.
	placeholderValues = map[string]bool{
		"sender email":       true,
		"subject":            true,
		"outlook message id": true,
	}
)

// Record is one raw work order as the intake producer wrote it.
type Record map[string]any

// Decision is the filter's verdict on a record.
type Decision struct {
	Status string
	Reason string
	Key    string
}

// Actionable reports whether the record passed every check.
func (d Decision) Actionable() bool {
	return d.Status == DecisionActionable
}

// Filter classifies records. It is not safe for concurrent use.
type Filter struct {
	fold cases.Caser
}

// NewFilter returns a filter with case folding for keyword checks.
func NewFilter() *Filter {
	return &Filter{fold: cases.Fold()}
}

// Decide classifies record against the keys already seen.
func (f *Filter) Decide(record Record, seen map[string]bool) Decision {
	key := DedupeKey(record)
	switch {
	case seen[key]:
		return Decision{Status: DecisionRejected, Reason: ReasonDuplicate, Key: key}
	case f.invalidMapping(record):
		return Decision{Status: DecisionRejected, Reason: ReasonInvalidMapping, Key: key}
	case f.noise(record):
		return Decision{Status: DecisionRejected, Reason: ReasonLikelyNoise, Key: key}
	}
	return Decision{Status: DecisionActionable, Reason: ReasonAccepted, Key: key}
}

// DedupeKey prefers the upstream event id over the work order id.
func DedupeKey(record Record) string {
	if event := eventID(record); event != "" {
		return "event:" + event
	}
	return "id:" + record.field("id")
}

func eventID(record Record) string {
	if id := record.field("source_event_id"); id != "" {
		return id
	}
	return record.field("email_event_id")
}

func (f *Filter) invalidMapping(record Record) bool {
	for _, name := range []string{"id", "sender", "subject"} {
		if record.field(name) == "" {
			return true
		}
	}
	for _, value := range []string{record.field("sender"), record.field("subject"), eventID(record)} {
		if placeholderValues[f.fold.String(value)] {
			return true
		}
	}
	return false
}

func (f *Filter) noise(record Record) bool {
	sender := f.fold.String(record.field("sender"))
	subject := f.fold.String(record.field("subject"))
	return containsAny(sender, noiseSenderTokens) || containsAny(subject, noiseSubjectTokens)
}

func containsAny(text string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(text, token) {
			return true
		}
	}
	return false
}

// field renders a scalar field as trimmed text; absent and null become "".
func (r Record) field(name string) string {
	value, ok := r[name]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
