package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"replydesk/internal/config"
	"replydesk/internal/logging"
	"replydesk/internal/queue"
	"replydesk/internal/queueaccess"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

// logger builds the process logger, mirroring output to <log_dir>/<name>.log.
func (c *commandContext) logger(name string) (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewFromConfig(cfg, name)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

// withBackend opens the configured store for the duration of fn. dryRun
// swaps in a process-local store.
func (c *commandContext) withBackend(ctx context.Context, dryRun bool, fn func(queue.Backend) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	var backend queue.Backend
	if dryRun {
		backend = queueaccess.OpenMemory(cfg)
	} else if backend, err = queueaccess.Open(ctx, cfg); err != nil {
		return err
	}
	defer backend.Close()
	return fn(backend)
}

// skipConfigLoad marks commands that resolve the config file themselves.
const skipConfigLoad = "skipConfigLoad"

func withoutConfigLoad() map[string]string {
	return map[string]string{skipConfigLoad: "true"}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[skipConfigLoad] == "true" {
			return true
		}
	}
	return false
}
