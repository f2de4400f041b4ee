package services_test

import (
	"context"
	"testing"

	"replydesk/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithJobID(ctx, "job_0011223344")
	ctx = services.WithRunID(ctx, "run_001122334455")
	ctx = services.WithWorkOrderID(ctx, "wo-42")
	ctx = services.WithStage(ctx, "policy")
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.JobIDFromContext(ctx); !ok || id != "job_0011223344" {
		t.Fatalf("unexpected job id: %v %v", id, ok)
	}
	if id, ok := services.RunIDFromContext(ctx); !ok || id != "run_001122334455" {
		t.Fatalf("unexpected run id: %v %v", id, ok)
	}
	if id, ok := services.WorkOrderIDFromContext(ctx); !ok || id != "wo-42" {
		t.Fatalf("unexpected work order id: %v %v", id, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "policy" {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithStage(ctx, "")
	ctx = services.WithJobID(ctx, "")
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected no stage value")
	}
	if _, ok := services.JobIDFromContext(ctx); ok {
		t.Fatal("expected no job id value")
	}
}
