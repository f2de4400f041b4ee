package main

import (
	"github.com/spf13/cobra"

	"replydesk/internal/publish"
	"replydesk/internal/queue"
)

func newDispatchCommand(ctx *commandContext) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver queued publish payloads to the webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger("dispatcher")
			if err != nil {
				return err
			}
			return ctx.withBackend(cmd.Context(), false, func(backend queue.Backend) error {
				dispatcher := buildDispatcher(cfg, backend, logger)
				if once {
					result, err := dispatcher.RunOnce(cmd.Context())
					if err != nil {
						return err
					}
					return writeJSON(cmd, result)
				}
				return dispatcher.Loop(cmd.Context(), publishInterval(cfg), func(result publish.Result) {
					_ = writeJSON(cmd, result)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Resolve at most one publish row and exit")
	return cmd
}
