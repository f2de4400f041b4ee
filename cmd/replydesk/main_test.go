package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"replydesk/internal/config"
	"replydesk/internal/queue"
	"replydesk/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	t.Setenv("REPLYDESK_LLM_API_KEY", "")
	t.Setenv("REPLYDESK_PUBLISH_WEBHOOK_URL", "")

	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)
	return &cliTestEnv{cfg: cfg, configPath: configPath}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func (e *cliTestEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *cliTestEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	if err != nil {
		t.Fatalf("replydesk %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func decodeOutput(t *testing.T, out string, target any) {
	t.Helper()
	if err := json.NewDecoder(strings.NewReader(out)).Decode(target); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
}

func TestConfigInitCreatesSample(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "config.toml")
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "init", "--path", target})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected sample config at %s: %v", target, err)
	}
	if !strings.Contains(out.String(), target) {
		t.Fatalf("expected output to name the path, got %q", out.String())
	}

	again := newRootCommand()
	again.SetOut(&bytes.Buffer{})
	again.SetArgs([]string{"config", "init", "--path", target})
	if err := again.Execute(); err == nil {
		t.Fatal("expected init to refuse to overwrite an existing file")
	}
}

func TestConfigShowMasksSecrets(t *testing.T) {
	env := setupCLITestEnv(t)

	out := env.mustRun(t, "config", "show")
	if strings.Contains(out, "test-secret") {
		t.Fatalf("jwt secret leaked into config show output:\n%s", out)
	}
	if !strings.Contains(out, "********") {
		t.Fatalf("expected masked secret in output:\n%s", out)
	}
}

func TestWorkerDryRunOnceReportsEmpty(t *testing.T) {
	env := setupCLITestEnv(t)

	out := env.mustRun(t, "worker", "--once", "--dry-run")
	var summary struct {
		Status string `json:"status"`
	}
	decodeOutput(t, out, &summary)
	if summary.Status != "empty" {
		t.Fatalf("expected empty summary, got %q", out)
	}
	if _, err := os.Stat(env.cfg.Store.SQLitePath); err == nil {
		t.Fatal("dry run must not create the sqlite store")
	}
}

func TestIntakeIngestWorkerFlow(t *testing.T) {
	env := setupCLITestEnv(t)
	testsupport.WriteJSONLines(t, env.cfg.Intake.WorkOrderLog,
		map[string]any{"id": "wo-1", "source_event_id": "evt-1", "sender": "person@example.com", "subject": "Thanks, received. Share times.", "labels": []string{"support"}},
		map[string]any{"id": "wo-1", "source_event_id": "evt-1", "sender": "person@example.com", "subject": "Thanks, received. Share times."},
		map[string]any{"id": "wo-2", "sender": "noreply@example.com", "subject": "Weekly digest"},
	)

	var intakeStats struct {
		Processed  int `json:"processed"`
		Actionable int `json:"actionable"`
	}
	decodeOutput(t, env.mustRun(t, "intake"), &intakeStats)
	if intakeStats.Processed != 3 || intakeStats.Actionable != 1 {
		t.Fatalf("unexpected intake stats %+v", intakeStats)
	}

	var ingestStats struct {
		RowsEnqueued int `json:"rows_enqueued"`
	}
	decodeOutput(t, env.mustRun(t, "ingest", "--once"), &ingestStats)
	if ingestStats.RowsEnqueued != 1 {
		t.Fatalf("expected one enqueued row, got %+v", ingestStats)
	}

	var summary struct {
		Status      string `json:"status"`
		WorkOrderID string `json:"work_order_id"`
		Result      struct {
			PublishQueued bool `json:"publish_queued"`
		} `json:"result"`
	}
	decodeOutput(t, env.mustRun(t, "worker", "--once"), &summary)
	if summary.Status != "done" || summary.WorkOrderID != "wo-1" || !summary.Result.PublishQueued {
		t.Fatalf("unexpected worker summary %+v", summary)
	}

	jobs := env.mustRun(t, "queue", "list")
	if !strings.Contains(jobs, "wo-1") || !strings.Contains(jobs, "done") {
		t.Fatalf("expected the done job in queue list:\n%s", jobs)
	}
	publish := env.mustRun(t, "queue", "list", "--publish")
	if !strings.Contains(publish, "wo-1") || !strings.Contains(publish, "queued") {
		t.Fatalf("expected a queued publish row:\n%s", publish)
	}

	var health struct {
		TotalJobs int `json:"total_jobs"`
	}
	decodeOutput(t, env.mustRun(t, "queue", "status", "--json"), &health)
	if health.TotalJobs != 1 {
		t.Fatalf("expected one job in status, got %+v", health)
	}
}

func TestWorkerOnceReclaimsAbandonedLease(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()
	past := func() time.Time { return time.Now().Add(-time.Hour) }
	store, err := queue.OpenPath(env.cfg.Store.SQLitePath, queue.WithClock(past))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	testsupport.MustEnqueue(t, store, "wo-crashed", map[string]any{
		"id": "wo-crashed", "sender": "person@example.com", "subject": "Thanks, received. Share times.", "labels": []string{"support"},
	})
	if _, err := store.ClaimNext(ctx, "crashed-worker"); err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	var summary struct {
		Status      string `json:"status"`
		WorkOrderID string `json:"work_order_id"`
	}
	decodeOutput(t, env.mustRun(t, "worker", "--once", "--stale-timeout-seconds", "60"), &summary)
	if summary.Status != "done" || summary.WorkOrderID != "wo-crashed" {
		t.Fatalf("expected the abandoned job to be reclaimed and run, got %+v", summary)
	}
}

func TestQueueListRejectsUnknownStatus(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, err := env.run(t, "queue", "list", "--status", "sideways"); err == nil {
		t.Fatal("expected an unknown status to be rejected")
	}
}

func TestQueueRetryWithNothingDeadLettered(t *testing.T) {
	env := setupCLITestEnv(t)

	out := env.mustRun(t, "queue", "retry", "--publish")
	if !strings.Contains(out, "No dead-lettered publish rows") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestDraftDryRunInline(t *testing.T) {
	env := setupCLITestEnv(t)

	out := env.mustRun(t, "draft", "--dry-run", "--work-order-json",
		`{"id":"wo-inline","sender":"buyer@acme.example","subject":"Pricing for 40 seats","labels":["sales","pricing"]}`)
	var report struct {
		WorkOrderID      string `json:"work_order_id"`
		NeedsHumanReview bool   `json:"needs_human_review"`
		RunStatus        string `json:"run_status"`
	}
	decodeOutput(t, out, &report)
	if report.WorkOrderID != "wo-inline" || !report.NeedsHumanReview || report.RunStatus != "needs_human_review" {
		t.Fatalf("expected a pricing request to be held for review, got %+v", report)
	}
}

func TestReviewApplyWithoutEscalation(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, err := env.run(t, "review", "apply", "wo-missing"); err == nil {
		t.Fatal("expected apply to fail without an escalation")
	}
}

func TestDoctorPassesWithLocalDefaults(t *testing.T) {
	env := setupCLITestEnv(t)

	var results []struct {
		Name   string `json:"name"`
		Passed bool   `json:"passed"`
	}
	decodeOutput(t, env.mustRun(t, "doctor", "--json"), &results)
	if len(results) != 7 {
		t.Fatalf("expected 7 checks, got %d", len(results))
	}
	for _, r := range results {
		if !r.Passed {
			t.Fatalf("check %s failed", r.Name)
		}
	}
}

func TestRenderStatusLine(t *testing.T) {
	line := renderStatusLine("Queue store", statusError, "unreachable", false)
	if !strings.Contains(line, "Queue store:") || !strings.Contains(line, "[ERROR] unreachable") {
		t.Fatalf("unexpected line %q", line)
	}
	colored := renderStatusLine("Queue store", statusOK, "", true)
	if !strings.HasPrefix(colored, "\x1b[32m") || !strings.HasSuffix(colored, ansiReset) {
		t.Fatalf("expected a green line, got %q", colored)
	}
}
