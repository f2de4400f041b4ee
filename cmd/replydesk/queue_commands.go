package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"replydesk/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the job and publish queues",
	}

	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueReapCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))

	return queueCmd
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job and publish counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd.Context(), false, func(backend queue.Backend) error {
				health, err := backend.Health(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, health)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Queue", "Status", "Count"},
					buildQueueStatusRows(health),
					[]columnAlignment{alignLeft, alignLeft, alignRight},
				))
				fmt.Fprintf(cmd.OutOrStdout(), "Oldest queued job: %s\n", health.OldestQueuedAge)
				fmt.Fprintf(cmd.OutOrStdout(), "Runs awaiting review: %d\n", health.NeedsReview)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")
	return cmd
}

func buildQueueStatusRows(health queue.HealthSummary) [][]string {
	var rows [][]string
	for _, status := range queue.JobStatuses() {
		rows = append(rows, []string{"jobs", string(status), strconv.Itoa(health.Jobs[status])})
	}
	for _, status := range queue.PublishStatuses() {
		rows = append(rows, []string{"publish", string(status), strconv.Itoa(health.Publish[status])})
	}
	return rows
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var listStatuses []string
	var listPublish bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, or publish rows with --publish",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd.Context(), false, func(backend queue.Backend) error {
				out := cmd.OutOrStdout()
				if listPublish {
					statuses := make([]queue.PublishStatus, 0, len(listStatuses))
					for _, s := range listStatuses {
						statuses = append(statuses, queue.PublishStatus(strings.TrimSpace(s)))
					}
					rows, err := backend.ListPublish(cmd.Context(), statuses...)
					if err != nil {
						return err
					}
					if len(rows) == 0 {
						fmt.Fprintln(out, "Publish queue is empty")
						return nil
					}
					fmt.Fprint(out, renderTable(
						[]string{"ID", "Work order", "Status", "Attempts", "Updated", "Note / error"},
						buildPublishListRows(rows),
						[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
					))
					return nil
				}

				statuses := make([]queue.JobStatus, 0, len(listStatuses))
				for _, s := range listStatuses {
					status, ok := queue.ParseJobStatus(strings.TrimSpace(s))
					if !ok {
						return fmt.Errorf("unknown job status %q", s)
					}
					statuses = append(statuses, status)
				}
				jobs, err := backend.ListJobs(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}
				fmt.Fprint(out, renderTable(
					[]string{"Job", "Work order", "Status", "Attempts", "Available", "Last error"},
					buildJobListRows(jobs),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "Filter by status (repeatable)")
	cmd.Flags().BoolVar(&listPublish, "publish", false, "List the publish queue instead of jobs")
	return cmd
}

func buildJobListRows(jobs []*queue.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			job.WorkOrderID,
			string(job.Status),
			fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts),
			formatTimestamp(job.AvailableAt),
			truncate(job.LastError, 60),
		})
	}
	return rows
}

func buildPublishListRows(rows []*queue.PublishRow) [][]string {
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		detail := row.LastError
		if row.Note != "" {
			detail = row.Note
		}
		out = append(out, []string{
			row.ID,
			row.WorkOrderID,
			string(row.Status),
			strconv.Itoa(row.Attempts),
			formatTimestamp(row.UpdatedAt),
			truncate(detail, 60),
		})
	}
	return out
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	var retryPublish bool

	cmd := &cobra.Command{
		Use:   "retry [id...]",
		Short: "Requeue dead-lettered jobs, or publish rows with --publish",
		Long:  "Requeue dead-lettered rows. Without ids every dead-lettered row is retried.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd.Context(), false, func(backend queue.Backend) error {
				var (
					n    int64
					err  error
					kind = "jobs"
				)
				if retryPublish {
					kind = "publish rows"
					n, err = backend.RetryDeadLetterPublish(cmd.Context(), args...)
				} else {
					n, err = backend.RetryDeadLetter(cmd.Context(), args...)
				}
				if err != nil {
					return err
				}
				if n == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No dead-lettered %s to retry\n", kind)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d dead-lettered %s\n", n, kind)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&retryPublish, "publish", false, "Retry dead-lettered publish rows instead of jobs")
	return cmd
}

func newQueueReapCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Return jobs with stale leases to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger("reaper")
			if err != nil {
				return err
			}
			return ctx.withBackend(cmd.Context(), false, func(backend queue.Backend) error {
				recovered, err := buildReaper(cfg, backend, cfg.StaleTimeout(), logger).Pass(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd, map[string]int{"recovered": recovered})
			})
		},
	}
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check store connectivity and schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd.Context(), false, func(backend queue.Backend) error {
				health, err := backend.CheckHealth(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderSectionHeader("Store", colorize) {
					fmt.Fprintln(out, line)
				}
				fmt.Fprintln(out, renderStatusLine("Driver", statusInfo, health.Driver, colorize))
				fmt.Fprintln(out, renderStatusLine("Location", statusInfo, health.Location, colorize))
				fmt.Fprintln(out, renderStatusLine("Reachable", okOrError(health.Reachable), yesNo(health.Reachable), colorize))
				fmt.Fprintln(out, renderStatusLine("Schema version", statusInfo, strconv.Itoa(health.SchemaVersion), colorize))
				fmt.Fprintln(out, renderStatusLine("Integrity", okOrError(health.IntegrityCheck), yesNo(health.IntegrityCheck), colorize))
				if len(health.MissingTables) > 0 {
					fmt.Fprintln(out, renderStatusLine("Missing tables", statusError, strings.Join(health.MissingTables, ", "), colorize))
				}
				if health.Error != "" {
					fmt.Fprintln(out, renderStatusLine("Error", statusError, health.Error, colorize))
				}
				return nil
			})
		},
	}
}

func okOrError(ok bool) statusKind {
	if ok {
		return statusOK
	}
	return statusError
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
