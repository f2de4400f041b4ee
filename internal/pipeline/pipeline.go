package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"replydesk/internal/enrichment"
	"replydesk/internal/escalation"
	"replydesk/internal/logging"
	"replydesk/internal/precedent"
	"replydesk/internal/services/llm"
	"replydesk/internal/workorder"
)

// Executor names accepted by Options.Executor.
const (
	ExecutorSequential = "sequential"
	ExecutorGraph      = "graph"
)

const (
	defaultQAMinConfidence     = 0.5
	defaultPolicyMinConfidence = 0.65
	defaultSignatureBlock      = "Best,\nThe Team"
)

// Drafter is the drafting collaborator.
type Drafter interface {
	Draft(ctx context.Context, req llm.DraftRequest) (llm.DraftReply, error)
}

// CRMLookup is the CRM enrichment collaborator.
type CRMLookup interface {
	Lookup(ctx context.Context, wo workorder.WorkOrder) enrichment.CRMResult
}

// ThreadLookup is the thread-history enrichment collaborator.
type ThreadLookup interface {
	History(ctx context.Context, wo workorder.WorkOrder) enrichment.ThreadResult
}

// PrecedentLookup answers precedent queries for the policy gate.
type PrecedentLookup interface {
	Lookup(ctx context.Context, key string) (precedent.Result, error)
}

// Options wires collaborators and thresholds. Nil collaborators degrade: no
// Drafter means template drafts, no CRM or Threads means those enrichment
// stages are left out, no Precedents means no precedent is ever found.
type Options struct {
	Classifier          *escalation.Policy
	Precedents          PrecedentLookup
	Drafter             Drafter
	CRM                 CRMLookup
	Threads             ThreadLookup
	QAMinConfidence     float64
	PolicyMinConfidence float64
	SignatureBlock      string
	AutoSend            bool
	Executor            string
	Logger              *slog.Logger
	Now                 func() time.Time
}

// Pipeline is the configured stage list plus the executor that drives it.
type Pipeline struct {
	opts   Options
	logger *slog.Logger
	stages []Stage
	graph  *Graph
}

// New validates options and assembles the stage list.
func New(opts Options) (*Pipeline, error) {
	if opts.Classifier == nil {
		opts.Classifier = escalation.Default()
	}
	if opts.QAMinConfidence <= 0 {
		opts.QAMinConfidence = defaultQAMinConfidence
	}
	if opts.PolicyMinConfidence <= 0 {
		opts.PolicyMinConfidence = defaultPolicyMinConfidence
	}
	if strings.TrimSpace(opts.SignatureBlock) == "" {
		opts.SignatureBlock = defaultSignatureBlock
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	executor := strings.ToLower(strings.TrimSpace(opts.Executor))
	switch executor {
	case "":
		executor = ExecutorSequential
	case ExecutorSequential, ExecutorGraph:
	default:
		return nil, fmt.Errorf("pipeline: unknown executor %q", opts.Executor)
	}
	opts.Executor = executor

	p := &Pipeline{
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "pipeline"),
	}
	p.stages = p.buildStages()
	graph, err := NewGraph(p.stages)
	if err != nil {
		return nil, err
	}
	p.graph = graph
	return p, nil
}

// Stages returns the stage list in canonical order.
func (p *Pipeline) Stages() []Stage {
	return append([]Stage(nil), p.stages...)
}

// Executor reports the configured executor name.
func (p *Pipeline) Executor() string {
	return p.opts.Executor
}

// Execute runs wo through every stage with the configured executor.
func (p *Pipeline) Execute(ctx context.Context, wo workorder.WorkOrder, observe Observer) (*State, Outcome, error) {
	state := NewState(wo)
	var (
		outcome Outcome
		err     error
	)
	if p.opts.Executor == ExecutorGraph {
		outcome, err = p.graph.Execute(ctx, state, p.observed(observe))
	} else {
		outcome, err = Sequential(ctx, p.stages, state, p.observed(observe))
	}
	return state, outcome, err
}

func (p *Pipeline) observed(observe Observer) Observer {
	return func(ctx context.Context, result Result) error {
		logging.WithContext(ctx, p.logger).Debug("stage finished",
			logging.String(logging.FieldStage, string(result.Stage)),
			logging.String("status", result.Status),
			logging.Bool("needs_human_review", result.NeedsHumanReview),
			logging.Bool("halt", result.Halt),
		)
		if observe == nil {
			return nil
		}
		return observe(ctx, result)
	}
}

func (p *Pipeline) buildStages() []Stage {
	draftRequires := []Name{StageTier, StageContext}
	stages := []Stage{
		{Name: StageTier, Run: p.tierStage},
		{Name: StageContext, Run: p.contextStage},
	}
	if p.opts.CRM != nil {
		stages = append(stages, Stage{Name: StageCRM, Requires: []Name{StageContext}, Run: p.crmStage})
		draftRequires = append(draftRequires, StageCRM)
	}
	if p.opts.Threads != nil {
		stages = append(stages, Stage{Name: StageThreads, Requires: []Name{StageContext}, Run: p.threadStage})
		draftRequires = append(draftRequires, StageThreads)
	}
	return append(stages,
		Stage{Name: StageDraft, Requires: draftRequires, Run: p.draftStage},
		Stage{Name: StageTone, Requires: []Name{StageDraft}, Run: p.toneStage},
		Stage{Name: StageFact, Requires: []Name{StageTier, StageTone}, Run: p.factStage},
		Stage{Name: StageQA, Requires: []Name{StageDraft, StageTone, StageFact}, Run: p.qaStage},
		Stage{Name: StagePolicy, Requires: []Name{StageTier, StageDraft, StageFact, StageQA}, Run: p.policyStage},
		Stage{Name: StagePublish, Requires: []Name{StagePolicy}, Run: p.publishStage},
	)
}
