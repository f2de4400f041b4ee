package config

import (
	"errors"
	"fmt"
	"regexp"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validatePrecedent(); err != nil {
		return err
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path must be set")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required when store.driver is postgres (or set REPLYDESK_POSTGRES_DSN)")
		}
	default:
		return fmt.Errorf("store.driver %q is not supported (sqlite, postgres)", c.Store.Driver)
	}
	return nil
}

func (c *Config) validateQueue() error {
	if err := ensurePositive([]namedInt{
		{"queue.max_attempts", c.Queue.MaxAttempts},
		{"queue.poll_interval", c.Queue.PollInterval},
		{"queue.stale_timeout", c.Queue.StaleTimeout},
		{"queue.reaper_interval", c.Queue.ReaperInterval},
		{"queue.reaper_limit", c.Queue.ReaperLimit},
		{"publish.poll_interval", c.Publish.PollInterval},
	}); err != nil {
		return err
	}
	for i, seconds := range c.Queue.Backoff {
		if seconds <= 0 {
			return fmt.Errorf("queue.backoff[%d] must be positive", i)
		}
	}
	return nil
}

func (c *Config) validatePipeline() error {
	switch c.Pipeline.Executor {
	case "sequential", "graph":
	default:
		return fmt.Errorf("pipeline.executor %q is not supported (sequential, graph)", c.Pipeline.Executor)
	}
	if c.Pipeline.QAMinConfidence < 0 || c.Pipeline.QAMinConfidence > 1 {
		return errors.New("pipeline.qa_min_confidence must be between 0 and 1")
	}
	if c.Pipeline.PolicyMinConfidence < 0 || c.Pipeline.PolicyMinConfidence > 1 {
		return errors.New("pipeline.policy_min_confidence must be between 0 and 1")
	}
	return nil
}

func (c *Config) validatePrecedent() error {
	if c.Precedent.MinSamples <= 0 {
		return errors.New("precedent.min_samples must be positive")
	}
	if c.Precedent.MinConfidence < 0 || c.Precedent.MinConfidence > 1 {
		return errors.New("precedent.min_confidence must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	return ensurePositive([]namedInt{
		{"llm.timeout_seconds", c.LLM.TimeoutSeconds},
		{"crm.timeout_seconds", c.CRM.TimeoutSeconds},
		{"threads.timeout_seconds", c.Threads.TimeoutSeconds},
		{"publish.timeout_seconds", c.Publish.TimeoutSeconds},
		{"notifications.request_timeout", c.Notifications.RequestTimeout},
		{"review.escalation_limit", c.Review.EscalationLimit},
	})
}

var logLevelPattern = regexp.MustCompile(`^(debug|info|warn|warning|error)$`)

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (console, json)", c.Logging.Format)
	}
	if !logLevelPattern.MatchString(c.Logging.Level) {
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
	return nil
}

type namedInt struct {
	key   string
	value int
}

func ensurePositive(values []namedInt) error {
	for _, v := range values {
		if v.value <= 0 {
			return fmt.Errorf("%s must be positive", v.key)
		}
	}
	return nil
}
