package logging_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"replydesk/internal/config"
	"replydesk/internal/logging"
	"replydesk/internal/services"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	return string(content)
}

func TestConsoleLoggerFormatsComponentAndFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logging.NewComponentLogger(logger, "worker").Info("job claimed",
		logging.String(logging.FieldJobID, "job_0123456789"),
		logging.Int("attempt", 1),
		logging.String("note", "has spaces"),
	)

	content := readLog(t, logPath)
	for _, want := range []string{"INFO ", "[worker] job claimed", "job_id=job_0123456789", "attempt=1", `note="has spaces"`} {
		if !strings.Contains(content, want) {
			t.Fatalf("expected %q in %q", want, content)
		}
	}
	if strings.Contains(content, "component=") {
		t.Fatalf("component should render as prefix, got %q", content)
	}
	if strings.Contains(content, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "debug.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("message with caller")

	if !strings.Contains(readLog(t, logPath), "logger_test.go:") {
		t.Fatal("expected caller information in debug logs")
	}
}

func TestJSONLoggerUsesShortKeys(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Warn("publish failed", logging.Event("publish_retry_scheduled"))

	var record map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(readLog(t, logPath))), &record); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if record["level"] != "warn" {
		t.Fatalf("unexpected level: %v", record["level"])
	}
	if _, ok := record["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", record)
	}
	if record[logging.FieldEventType] != "publish_retry_scheduled" {
		t.Fatalf("unexpected event type: %v", record[logging.FieldEventType])
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestNewFromConfigWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()
	logger, err := logging.NewFromConfig(&cfg, "worker")
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("started")
	if !strings.Contains(readLog(t, filepath.Join(cfg.Paths.LogDir, "worker.log")), "started") {
		t.Fatal("expected log file to receive records")
	}
}

func TestWithContextAddsIdentifiers(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "ctx.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := services.WithJobID(context.Background(), "job_abc")
	ctx = services.WithWorkOrderID(ctx, "wo-1")
	ctx = services.WithStage(ctx, "draft")
	logging.WithContext(ctx, logger).Info("stage complete")

	content := readLog(t, logPath)
	for _, want := range []string{"job_id=job_abc", "work_order_id=wo-1", "stage=draft"} {
		if !strings.Contains(content, want) {
			t.Fatalf("expected %q in %q", want, content)
		}
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "warn.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.WarnWithContext(logger, "crm lookup failed", "crm_lookup_failed")

	content := readLog(t, logPath)
	if !strings.Contains(content, "event_type=crm_lookup_failed") || !strings.Contains(content, "error_hint=") {
		t.Fatalf("expected injected fields, got %q", content)
	}
}
