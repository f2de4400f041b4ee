package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"replydesk/internal/preflight"
	"replydesk/internal/queue"
	"replydesk/internal/queueaccess"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check directories, store and collaborator endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			var inspector queue.Inspector
			backend, openErr := queueaccess.Open(cmd.Context(), cfg)
			if openErr == nil {
				defer backend.Close()
				inspector = backend
			}
			results := preflight.RunAll(cmd.Context(), cfg, inspector)
			if openErr != nil {
				for i := range results {
					if results[i].Name == preflight.StoreCheckName {
						results[i].Detail = openErr.Error()
					}
				}
			}

			if asJSON {
				if err := writeJSON(cmd, results); err != nil {
					return err
				}
			} else {
				printPreflight(cmd, results)
			}
			if failed := preflight.Failed(results); len(failed) > 0 {
				return fmt.Errorf("%d required check(s) failed", len(failed))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	return cmd
}

func printPreflight(cmd *cobra.Command, results []preflight.Result) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	for _, line := range renderSectionHeader("Preflight", colorize) {
		fmt.Fprintln(out, line)
	}
	for _, r := range results {
		kind := statusOK
		switch {
		case !r.Passed && r.Optional:
			kind = statusWarn
		case !r.Passed:
			kind = statusError
		case r.Optional && strings.HasPrefix(r.Detail, "Disabled"):
			kind = statusInfo
		}
		fmt.Fprintln(out, renderStatusLine(r.Name, kind, r.Detail, colorize))
	}
}
