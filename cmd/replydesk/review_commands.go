package main

import (
	"strings"

	"github.com/spf13/cobra"

	"replydesk/internal/queue"
	"replydesk/internal/review"
)

func newReviewCommand(ctx *commandContext) *cobra.Command {
	reviewCmd := &cobra.Command{
		Use:   "review",
		Short: "Resolve escalated drafts",
	}

	reviewCmd.AddCommand(newReviewServeCommand(ctx))
	reviewCmd.AddCommand(newReviewApplyCommand(ctx))
	reviewCmd.AddCommand(newReviewListCommand(ctx))

	return reviewCmd
}

func newReviewServeCommand(ctx *commandContext) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the review API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger("review")
			if err != nil {
				return err
			}
			addr := cfg.Review.Listen
			if strings.TrimSpace(listen) != "" {
				addr = strings.TrimSpace(listen)
			}
			return ctx.withBackend(cmd.Context(), false, func(backend queue.Backend) error {
				handler := review.NewHandler(buildReviewService(cfg, backend, logger), review.ServerConfig{
					JWTSecret:       cfg.Review.JWTSecret,
					EscalationLimit: cfg.Review.EscalationLimit,
					Logger:          logger,
				})
				return review.Serve(cmd.Context(), addr, handler, logger)
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Override review.listen")
	return cmd
}

func newReviewApplyCommand(ctx *commandContext) *cobra.Command {
	var action review.Action
	var editedBody string

	cmd := &cobra.Command{
		Use:   "apply <work-order-id>",
		Short: "Apply a review decision to an escalated work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger("review")
			if err != nil {
				return err
			}
			action.WorkOrderID = args[0]
			if cmd.Flags().Changed("body") {
				action.EditedBody = &editedBody
			}
			return ctx.withBackend(cmd.Context(), false, func(backend queue.Backend) error {
				result, err := buildReviewService(cfg, backend, logger).Apply(cmd.Context(), action)
				if err != nil {
					return err
				}
				return writeJSON(cmd, result)
			})
		},
	}

	cmd.Flags().StringVarP(&action.Action, "action", "a", review.ActionApprove, "approve, edit_approve or reject")
	cmd.Flags().StringVarP(&action.Reviewer, "reviewer", "r", review.DefaultReviewer, "Reviewer recorded with the decision")
	cmd.Flags().StringVar(&editedBody, "body", "", "Replacement body for edit_approve")
	return cmd
}

func newReviewListCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalations awaiting a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = cfg.Review.EscalationLimit
			}
			return ctx.withBackend(cmd.Context(), false, func(backend queue.Backend) error {
				rows, err := backend.ListEscalations(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return writeJSON(cmd, map[string]any{"count": len(rows), "rows": rows})
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum rows (default review.escalation_limit)")
	return cmd
}
