package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"replydesk/internal/intake"
)

func newIntakeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "intake [work-order-log]",
		Short: "Split raw work orders into actionable and rejected logs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger("intake")
			if err != nil {
				return err
			}
			source := cfg.Intake.WorkOrderLog
			if len(args) == 1 {
				source = strings.TrimSpace(args[0])
			}
			if source == "" {
				return errors.New("no work order log given and intake.work_order_log is not set")
			}
			processor, err := intake.NewProcessor(intake.Options{
				ActionableLog: cfg.Ingest.ActionableLog,
				RejectedLog:   cfg.Intake.RejectedLog,
				SeenFile:      cfg.Intake.SeenFile,
				Logger:        logger,
			})
			if err != nil {
				return err
			}
			stats, err := processor.Process(cmd.Context(), source)
			if err != nil {
				return err
			}
			return writeJSON(cmd, stats)
		},
	}
}
