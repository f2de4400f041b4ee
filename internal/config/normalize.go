package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeStore(); err != nil {
		return err
	}
	c.normalizeQueue()
	if err := c.normalizePipeline(); err != nil {
		return err
	}
	c.normalizeLLM()
	c.normalizeEnrichment()
	c.normalizePublish()
	if err := c.normalizeFiles(); err != nil {
		return err
	}
	c.normalizeReview()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeStore() error {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = defaultStoreDriver
	}
	if strings.TrimSpace(c.Store.SQLitePath) == "" {
		c.Store.SQLitePath = filepath.Join(c.Paths.StateDir, defaultSQLiteName)
	}
	var err error
	if c.Store.SQLitePath, err = expandPath(c.Store.SQLitePath); err != nil {
		return fmt.Errorf("store.sqlite_path: %w", err)
	}
	c.Store.PostgresDSN = strings.TrimSpace(c.Store.PostgresDSN)
	if c.Store.PostgresDSN == "" {
		if value, ok := os.LookupEnv("REPLYDESK_POSTGRES_DSN"); ok {
			c.Store.PostgresDSN = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeQueue() {
	if len(c.Queue.Backoff) == 0 {
		c.Queue.Backoff = Default().Queue.Backoff
	}
}

func (c *Config) normalizePipeline() error {
	c.Pipeline.Executor = strings.ToLower(strings.TrimSpace(c.Pipeline.Executor))
	if c.Pipeline.Executor == "" {
		c.Pipeline.Executor = defaultExecutor
	}
	if strings.TrimSpace(c.Pipeline.SignatureBlock) == "" {
		c.Pipeline.SignatureBlock = defaultSignatureBlock
	}
	c.Pipeline.EscalationRules = strings.TrimSpace(c.Pipeline.EscalationRules)
	if c.Pipeline.EscalationRules != "" {
		var err error
		if c.Pipeline.EscalationRules, err = expandPath(c.Pipeline.EscalationRules); err != nil {
			return fmt.Errorf("pipeline.escalation_rules: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeLLM() {
	c.LLM.APIKey = strings.TrimSpace(c.LLM.APIKey)
	if c.LLM.APIKey == "" {
		if value, ok := os.LookupEnv("REPLYDESK_LLM_API_KEY"); ok {
			c.LLM.APIKey = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("OPENAI_API_KEY"); ok {
			c.LLM.APIKey = strings.TrimSpace(value)
		}
	}
	c.LLM.Model = strings.TrimSpace(c.LLM.Model)
	if c.LLM.Model == "" {
		if value, ok := os.LookupEnv("REPLYDESK_LLM_MODEL"); ok {
			c.LLM.Model = strings.TrimSpace(value)
		}
	}
	c.LLM.BaseURL = strings.TrimSpace(c.LLM.BaseURL)
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaultLLMBaseURL
	}
}

func (c *Config) normalizeEnrichment() {
	c.CRM.APIURL = strings.TrimSpace(c.CRM.APIURL)
	c.CRM.APIToken = strings.TrimSpace(c.CRM.APIToken)
	if c.CRM.APIToken == "" {
		if value, ok := os.LookupEnv("REPLYDESK_CRM_TOKEN"); ok {
			c.CRM.APIToken = strings.TrimSpace(value)
		}
	}
	c.Threads.APIURL = strings.TrimSpace(c.Threads.APIURL)
	c.Threads.APIToken = strings.TrimSpace(c.Threads.APIToken)
	if c.Threads.APIToken == "" {
		if value, ok := os.LookupEnv("REPLYDESK_THREADS_TOKEN"); ok {
			c.Threads.APIToken = strings.TrimSpace(value)
		}
	}
	if c.Threads.MaxMessages <= 0 {
		c.Threads.MaxMessages = defaultThreadMaxMessages
	}
}

func (c *Config) normalizePublish() {
	c.Publish.WebhookURL = strings.TrimSpace(c.Publish.WebhookURL)
	if c.Publish.WebhookURL == "" {
		if value, ok := os.LookupEnv("REPLYDESK_PUBLISH_WEBHOOK_URL"); ok {
			c.Publish.WebhookURL = strings.TrimSpace(value)
		}
	}
	if c.Publish.MaxAttempts < 1 {
		c.Publish.MaxAttempts = 1
	}
}

func (c *Config) normalizeFiles() error {
	var err error
	if c.Ingest.ActionableLog, err = expandOptional(c.Ingest.ActionableLog); err != nil {
		return fmt.Errorf("ingest.actionable_log: %w", err)
	}
	if strings.TrimSpace(c.Ingest.StateFile) == "" {
		c.Ingest.StateFile = filepath.Join(c.Paths.StateDir, defaultIngestStateName)
	}
	if c.Ingest.StateFile, err = expandPath(c.Ingest.StateFile); err != nil {
		return fmt.Errorf("ingest.state_file: %w", err)
	}
	if c.Intake.WorkOrderLog, err = expandOptional(c.Intake.WorkOrderLog); err != nil {
		return fmt.Errorf("intake.work_order_log: %w", err)
	}
	if c.Intake.RejectedLog, err = expandOptional(c.Intake.RejectedLog); err != nil {
		return fmt.Errorf("intake.rejected_log: %w", err)
	}
	if strings.TrimSpace(c.Intake.SeenFile) == "" {
		c.Intake.SeenFile = filepath.Join(c.Paths.StateDir, defaultIntakeSeenName)
	}
	if c.Intake.SeenFile, err = expandPath(c.Intake.SeenFile); err != nil {
		return fmt.Errorf("intake.seen_file: %w", err)
	}
	return nil
}

func expandOptional(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	return expandPath(value)
}

func (c *Config) normalizeReview() {
	c.Review.Listen = strings.TrimSpace(c.Review.Listen)
	if c.Review.Listen == "" {
		c.Review.Listen = defaultReviewListen
	}
	c.Review.JWTSecret = strings.TrimSpace(c.Review.JWTSecret)
	if c.Review.JWTSecret == "" {
		if value, ok := os.LookupEnv("REPLYDESK_REVIEW_JWT_SECRET"); ok {
			c.Review.JWTSecret = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
