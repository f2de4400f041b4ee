package pipeline

import (
	"context"
	"fmt"

	"replydesk/internal/services"
	"replydesk/internal/workorder"
)

// Name identifies a stage. Names double as the stage field of persisted events.
type Name string

const (
	StageTier    Name = "tier"
	StageContext Name = "context"
	StageCRM     Name = "crm_enrichment"
	StageThreads Name = "thread_history"
	StageDraft   Name = "draft"
	StageTone    Name = "tone"
	StageFact    Name = "fact"
	StageQA      Name = "qa"
	StagePolicy  Name = "policy"
	StagePublish Name = "publish"
)

// StatusOK is the status of a stage that has no verdict of its own.
const StatusOK = "ok"

// Result is what one stage reports. Halt stops the stages that follow it.
type Result struct {
	Stage            Name   `json:"stage"`
	Status           string `json:"status"`
	NeedsHumanReview bool   `json:"needs_human_review"`
	Halt             bool   `json:"-"`
	Payload          any    `json:"payload"`
}

// State is the per-run context. The work order never changes; each stage
// fills in its own field.
type State struct {
	WorkOrder workorder.WorkOrder
	Tier      *TierResult
	Context   *ContextPack
	Draft     *DraftResult
	Tone      *ToneResult
	Fact      *FactResult
	QA        *QAResult
	Policy    *PolicyResult
	Publish   *PublishOutcome
}

// NewState seeds a run with its work order.
func NewState(wo workorder.WorkOrder) *State {
	return &State{WorkOrder: wo}
}

// StageFunc executes one stage against the shared state.
type StageFunc func(ctx context.Context, state *State) (Result, error)

// Stage pairs a stage function with the stages whose results it reads.
type Stage struct {
	Name     Name
	Requires []Name
	Run      StageFunc
}

// Observer receives every result as soon as its stage finishes. An observer
// error aborts the run.
type Observer func(ctx context.Context, result Result) error

// Outcome summarises one execution.
type Outcome struct {
	Results          []Result
	Skipped          []Name
	NeedsHumanReview bool
	Halted           bool
	FinalStage       Name
}

func (o *Outcome) record(result Result) {
	o.Results = append(o.Results, result)
	o.FinalStage = result.Stage
	if result.NeedsHumanReview {
		o.NeedsHumanReview = true
	}
	if result.Halt {
		o.Halted = true
	}
}

// requireInput reports a stage wired before one of its inputs. It is a
// configuration error, so the job dead-letters instead of retrying.
func requireInput(stage, input Name, present bool) error {
	if present {
		return nil
	}
	return services.Wrap(services.ErrConfiguration, string(stage), "require input",
		fmt.Sprintf("%s result missing", input), nil)
}
