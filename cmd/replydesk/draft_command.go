package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"replydesk/internal/notifications"
	"replydesk/internal/queue"
	"replydesk/internal/workorder"
)

func newDraftCommand(ctx *commandContext) *cobra.Command {
	var inline string
	var actionablePath string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Run the pipeline for one work order without the queue",
		Long: "Run the stage pipeline once for a single work order and print the run report.\n" +
			"Without --work-order-json the first row of the actionable log is used.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger("worker")
			if err != nil {
				return err
			}

			raw := []byte(strings.TrimSpace(inline))
			if len(raw) == 0 {
				path := actionablePath
				if path == "" {
					path = cfg.Ingest.ActionableLog
				}
				if raw, err = firstActionable(path); err != nil {
					return err
				}
			}
			wo, err := workorder.Decode(raw)
			if err != nil {
				return err
			}

			return ctx.withBackend(cmd.Context(), dryRun, func(backend queue.Backend) error {
				supervisor, err := buildSupervisor(cfg, backend, notifications.NewService(cfg), logger)
				if err != nil {
					return err
				}
				report, err := supervisor.Run(cmd.Context(), wo)
				if err != nil {
					return err
				}
				return writeJSON(cmd, report)
			})
		},
	}

	cmd.Flags().StringVar(&inline, "work-order-json", "", "Inline work order JSON")
	cmd.Flags().StringVar(&actionablePath, "actionable-path", "", "Actionable log to read the first row from (default ingest.actionable_log)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Use an in-memory run store")
	return cmd
}

// firstActionable returns the work order of the first non-empty row of path.
func firstActionable(path string) (json.RawMessage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open actionable log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row struct {
			WorkOrder json.RawMessage `json:"work_order"`
		}
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("decode actionable row: %w", err)
		}
		if len(row.WorkOrder) == 0 {
			return nil, errors.New("first actionable row has no work_order")
		}
		return row.WorkOrder, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read actionable log: %w", err)
	}
	return nil, fmt.Errorf("no actionable rows in %s", path)
}
