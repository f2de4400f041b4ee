package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
}

// Store selects and configures the durable backend shared by every worker.
type Store struct {
	Driver      string `toml:"driver"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// Queue contains job queue retry and recovery settings.
type Queue struct {
	MaxAttempts    int   `toml:"max_attempts"`
	PollInterval   int   `toml:"poll_interval"`
	StaleTimeout   int   `toml:"stale_timeout"`
	ReaperInterval int   `toml:"reaper_interval"`
	ReaperLimit    int   `toml:"reaper_limit"`
	Backoff        []int `toml:"backoff"`
}

// Pipeline contains stage thresholds and executor selection.
type Pipeline struct {
	Executor            string  `toml:"executor"`
	QAMinConfidence     float64 `toml:"qa_min_confidence"`
	PolicyMinConfidence float64 `toml:"policy_min_confidence"`
	SignatureBlock      string  `toml:"signature_block"`
	EscalationRules     string  `toml:"escalation_rules"`
}

// Precedent contains the thresholds used when consulting historical decisions.
type Precedent struct {
	MinSamples    int     `toml:"min_samples"`
	MinConfidence float64 `toml:"min_confidence"`
}

// LLM contains drafting collaborator connection settings.
type LLM struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Enrichment contains connection settings for a best-effort lookup service.
type Enrichment struct {
	APIURL         string `toml:"api_url"`
	APIToken       string `toml:"api_token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxMessages    int    `toml:"max_messages"`
}

// Publish contains outbound delivery settings.
type Publish struct {
	WebhookURL     string `toml:"webhook_url"`
	AutoSend       bool   `toml:"auto_send"`
	MaxAttempts    int    `toml:"max_attempts"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	PollInterval   int    `toml:"poll_interval"`
}

// Ingest contains actionable log tailing settings.
type Ingest struct {
	ActionableLog string `toml:"actionable_log"`
	StateFile     string `toml:"state_file"`
	Watch         bool   `toml:"watch"`
}

// Intake contains the preliminary filter's file locations.
type Intake struct {
	WorkOrderLog string `toml:"work_order_log"`
	RejectedLog  string `toml:"rejected_log"`
	SeenFile     string `toml:"seen_file"`
}

// Review contains the review API settings.
type Review struct {
	Listen          string `toml:"listen"`
	JWTSecret       string `toml:"jwt_secret"`
	EscalationLimit int    `toml:"escalation_limit"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for replydesk.
//
// Configuration sections by subsystem:
//   - Paths: state and log directories
//   - Store: sqlite or postgres backend
//   - Queue: retry ceiling, backoff ladder, poll cadence, stale reaper
//   - Pipeline: QA and policy thresholds, executor, escalation rules file
//   - Precedent: minimum samples and confidence for auto-approval
//   - LLM: drafting collaborator
//   - CRM, Threads: enrichment collaborators
//   - Publish: webhook delivery and auto-send switch
//   - Ingest, Intake: actionable log handling
//   - Review: review API listener and auth
//   - Notifications, Logging
type Config struct {
	Paths         Paths         `toml:"paths"`
	Store         Store         `toml:"store"`
	Queue         Queue         `toml:"queue"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Precedent     Precedent     `toml:"precedent"`
	LLM           LLM           `toml:"llm"`
	CRM           Enrichment    `toml:"crm"`
	Threads       Enrichment    `toml:"threads"`
	Publish       Publish       `toml:"publish"`
	Ingest        Ingest        `toml:"ingest"`
	Intake        Intake        `toml:"intake"`
	Review        Review        `toml:"review"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("replydesk.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DraftingEnabled reports whether the LLM drafting collaborator is configured.
func (c *Config) DraftingEnabled() bool {
	return strings.TrimSpace(c.LLM.APIKey) != "" && strings.TrimSpace(c.LLM.Model) != ""
}

// BackoffLadder returns the retry delays for attempts 1..n. The last entry
// applies to every attempt beyond the ladder.
func (c *Config) BackoffLadder() []time.Duration {
	ladder := make([]time.Duration, 0, len(c.Queue.Backoff))
	for _, seconds := range c.Queue.Backoff {
		ladder = append(ladder, time.Duration(seconds)*time.Second)
	}
	return ladder
}

// PollInterval returns the worker poll cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollInterval) * time.Second
}

// StaleTimeout returns the lock age after which a running job is reclaimed.
func (c *Config) StaleTimeout() time.Duration {
	return time.Duration(c.Queue.StaleTimeout) * time.Second
}

// ReaperInterval returns the cadence of the stale reaper loop.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.Queue.ReaperInterval) * time.Second
}

// PublishTimeout returns the webhook request timeout.
func (c *Config) PublishTimeout() time.Duration {
	return time.Duration(c.Publish.TimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the configuration as TOML, with secrets masked.
func (c *Config) Encode() ([]byte, error) {
	masked := *c
	masked.LLM.APIKey = maskSecret(masked.LLM.APIKey)
	masked.CRM.APIToken = maskSecret(masked.CRM.APIToken)
	masked.Threads.APIToken = maskSecret(masked.Threads.APIToken)
	masked.Review.JWTSecret = maskSecret(masked.Review.JWTSecret)
	masked.Store.PostgresDSN = maskSecret(masked.Store.PostgresDSN)
	return toml.Marshal(masked)
}

func maskSecret(value string) string {
	if value == "" {
		return ""
	}
	return "********"
}
