package testsupport

import (
	"path/filepath"
	"testing"

	"replydesk/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Collaborators are left unconfigured so stages take their fallback paths.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Store.SQLitePath = filepath.Join(base, "state", "replydesk.db")
	cfgVal.Ingest.StateFile = filepath.Join(base, "state", "ingest_state.json")
	cfgVal.Ingest.ActionableLog = filepath.Join(base, "actionable.jsonl")
	cfgVal.Intake.WorkOrderLog = filepath.Join(base, "work_orders.jsonl")
	cfgVal.Intake.RejectedLog = filepath.Join(base, "rejected.jsonl")
	cfgVal.Intake.SeenFile = filepath.Join(base, "state", "intake_seen.json")
	cfgVal.Review.Listen = "127.0.0.1:0"
	cfgVal.Review.JWTSecret = "test-secret"
	cfgVal.Ingest.Watch = false

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithWebhook points publish delivery at url.
func WithWebhook(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Publish.WebhookURL = url
	}
}

// WithAutoSend toggles the auto-send switch.
func WithAutoSend(enabled bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Publish.AutoSend = enabled
	}
}

// WithExecutor selects the pipeline executor.
func WithExecutor(name string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.Executor = name
	}
}

// WithBackoff overrides the retry ladder, in seconds.
func WithBackoff(seconds ...int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.Backoff = seconds
	}
}

// BaseDir returns the temp directory backing a config built by NewConfig.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
