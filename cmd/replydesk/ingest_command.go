package main

import (
	"github.com/spf13/cobra"

	"replydesk/internal/ingest"
	"replydesk/internal/queue"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Enqueue new work orders from the actionable log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger("ingest")
			if err != nil {
				return err
			}
			return ctx.withBackend(cmd.Context(), false, func(backend queue.Backend) error {
				tracker := ingest.NewTracker(backend, cfg.Ingest.ActionableLog, cfg.Ingest.StateFile, logger)
				if once {
					stats, err := tracker.Pass(cmd.Context())
					if err != nil {
						return err
					}
					return writeJSON(cmd, stats)
				}
				report := func(stats ingest.Stats) {
					if stats.RowsRead > 0 || stats.Reset {
						_ = writeJSON(cmd, stats)
					}
				}
				if cfg.Ingest.Watch {
					return tracker.Watch(cmd.Context(), cfg.PollInterval(), report)
				}
				return tracker.Poll(cmd.Context(), cfg.PollInterval(), report)
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run a single pass and exit")
	return cmd
}
