package queueaccess_test

import (
	"context"
	"errors"
	"testing"

	"replydesk/internal/queueaccess"
	"replydesk/internal/services"
	"replydesk/internal/testsupport"
)

func TestOpenSQLite(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	backend, err := queueaccess.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer backend.Close()

	health, err := backend.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	if !health.Reachable || len(health.MissingTables) != 0 {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Store.Driver = "mysql"
	if _, err := queueaccess.Open(context.Background(), cfg); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestOpenMemoryIsIsolated(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first := queueaccess.OpenMemory(cfg)
	second := queueaccess.OpenMemory(cfg)
	if _, _, err := first.Enqueue(context.Background(), "wo-1", []byte(`{"id":"wo-1"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	jobs, err := second.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("memory backends must not share state, got %d jobs", len(jobs))
	}
}
