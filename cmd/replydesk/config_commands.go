package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"replydesk/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and scaffold the TOML configuration",
	}
	cmd.AddCommand(
		newConfigInitCommand(),
		newConfigShowCommand(ctx),
		newConfigValidateCommand(ctx),
	)
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var (
		pathFlag  string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a commented sample configuration",
		Annotations: withoutConfigLoad(),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := initTarget(pathFlag)
			if err != nil {
				return err
			}
			if !overwrite {
				if err := refuseExisting(target); err != nil {
					return err
				}
			}
			if err := config.CreateSample(target); err != nil {
				return fmt.Errorf("create sample config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sample configuration written to %s\n", target)
			fmt.Fprintln(cmd.OutOrStdout(), "Fill in llm.api_key and publish.webhook_url, then run `replydesk doctor`.")
			return nil
		},
	}
	cmd.Flags().StringVarP(&pathFlag, "path", "p", "", "Where to write the file (default: user config dir)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing file")
	return cmd
}

func initTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	resolve := config.ExpandPath
	if raw == "" {
		resolve = func(string) (string, error) { return config.DefaultConfigPath() }
	}
	target, err := resolve(raw)
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	return target, nil
}

func refuseExisting(target string) error {
	_, err := os.Stat(target)
	switch {
	case err == nil:
		return fmt.Errorf("%s already exists; pass --overwrite to replace it", target)
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return fmt.Errorf("inspect %s: %w", target, err)
	}
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			encoded, err := cfg.Encode()
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(encoded)
			return err
		},
	}
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:         "validate",
		Short:       "Load the configuration and report problems",
		Annotations: withoutConfigLoad(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, exists, err := config.Load(strings.TrimSpace(*ctx.configFlag))
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("prepare directories: %w", err)
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			source := path
			if !exists {
				source = path + " (missing; defaults applied)"
			}
			for _, line := range renderSectionHeader("Configuration", colorize) {
				fmt.Fprintln(out, line)
			}
			fmt.Fprintln(out, renderStatusLine("File", statusInfo, source, colorize))
			fmt.Fprintln(out, renderStatusLine("Store", statusInfo, cfg.Store.Driver, colorize))
			fmt.Fprintln(out, renderStatusLine("Drafting", statusInfo, yesNo(cfg.DraftingEnabled()), colorize))
			fmt.Fprintln(out, renderStatusLine("Valid", statusOK, "", colorize))
			return nil
		},
	}
}
