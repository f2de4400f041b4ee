package pipeline_test

import (
	"context"
	"reflect"
	"testing"

	"replydesk/internal/pipeline"
	"replydesk/internal/workorder"
)

func recordingStage(name pipeline.Name, halt bool, ran *[]pipeline.Name, requires ...pipeline.Name) pipeline.Stage {
	return pipeline.Stage{
		Name:     name,
		Requires: requires,
		Run: func(context.Context, *pipeline.State) (pipeline.Result, error) {
			*ran = append(*ran, name)
			return pipeline.Result{Halt: halt}, nil
		},
	}
}

func TestGraphSkipsOnlyDependentsOfHalt(t *testing.T) {
	var ran []pipeline.Name
	graph, err := pipeline.NewGraph([]pipeline.Stage{
		recordingStage("a", false, &ran),
		recordingStage("b", true, &ran, "a"),
		recordingStage("c", false, &ran, "b"),
		recordingStage("d", false, &ran, "a"),
		recordingStage("e", false, &ran, "c", "d"),
	})
	if err != nil {
		t.Fatalf("NewGraph failed: %v", err)
	}
	outcome, err := graph.Execute(context.Background(), pipeline.NewState(workorder.WorkOrder{ID: "x"}), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if want := []pipeline.Name{"a", "b", "d"}; !reflect.DeepEqual(ran, want) {
		t.Fatalf("ran %v, want %v", ran, want)
	}
	if want := []pipeline.Name{"c", "e"}; !reflect.DeepEqual(outcome.Skipped, want) {
		t.Fatalf("skipped %v, want %v", outcome.Skipped, want)
	}
	if !outcome.Halted {
		t.Fatal("expected halted outcome")
	}
}

func TestSequentialStopsAtHalt(t *testing.T) {
	var ran []pipeline.Name
	stages := []pipeline.Stage{
		recordingStage("a", false, &ran),
		recordingStage("b", true, &ran),
		recordingStage("c", false, &ran),
	}
	outcome, err := pipeline.Sequential(context.Background(), stages, pipeline.NewState(workorder.WorkOrder{ID: "x"}), nil)
	if err != nil {
		t.Fatalf("Sequential failed: %v", err)
	}
	if want := []pipeline.Name{"a", "b"}; !reflect.DeepEqual(ran, want) {
		t.Fatalf("ran %v, want %v", ran, want)
	}
	if outcome.FinalStage != "b" || !reflect.DeepEqual(outcome.Skipped, []pipeline.Name{"c"}) {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.Results[0].Status != pipeline.StatusOK {
		t.Fatalf("expected default status ok, got %q", outcome.Results[0].Status)
	}
}

func TestNewGraphRejectsBadDefinitions(t *testing.T) {
	var ran []pipeline.Name
	cases := map[string][]pipeline.Stage{
		"missing dependency": {recordingStage("a", false, &ran, "ghost")},
		"duplicate":          {recordingStage("a", false, &ran), recordingStage("a", false, &ran)},
		"cycle":              {recordingStage("a", false, &ran, "b"), recordingStage("b", false, &ran, "a")},
	}
	for name, stages := range cases {
		if _, err := pipeline.NewGraph(stages); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
