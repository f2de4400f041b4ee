package pipeline

import (
	"context"
	"fmt"

	"replydesk/internal/services"
)

// Sequential runs stages in order and stops after the first halting stage.
// Stages after the halt are reported in Outcome.Skipped.
func Sequential(ctx context.Context, stages []Stage, state *State, observe Observer) (Outcome, error) {
	var outcome Outcome
	for i, stage := range stages {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		result, err := runStage(ctx, stage, state)
		if err != nil {
			return outcome, err
		}
		outcome.record(result)
		if observe != nil {
			if err := observe(ctx, result); err != nil {
				return outcome, fmt.Errorf("observe %s: %w", stage.Name, err)
			}
		}
		if result.Halt {
			for _, rest := range stages[i+1:] {
				outcome.Skipped = append(outcome.Skipped, rest.Name)
			}
			break
		}
	}
	return outcome, nil
}

func runStage(ctx context.Context, stage Stage, state *State) (Result, error) {
	if stage.Run == nil {
		return Result{}, services.Wrap(services.ErrConfiguration, string(stage.Name), "run", "stage has no function", nil)
	}
	stageCtx := services.WithStage(ctx, string(stage.Name))
	result, err := stage.Run(stageCtx, state)
	if err != nil {
		return Result{}, err
	}
	result.Stage = stage.Name
	if result.Status == "" {
		result.Status = StatusOK
	}
	return result, nil
}
