package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"ferry/internal/ipc"
	"ferry/internal/retention"
)

func newRetentionCommand(ctx *commandContext) *cobra.Command {
	retentionCmd := &cobra.Command{
		Use:   "retention",
		Short: "Run local retention passes",
	}
	retentionCmd.AddCommand(newRetentionRunCommand(ctx))
	return retentionCmd
}

func newRetentionRunCommand(ctx *commandContext) *cobra.Command {
	var pass string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run retention now",
		Long: fmt.Sprintf("Run one retention pass (%s, %s, %s) or all of them in order.",
			retention.PassDeferred, retention.PassAgeBased, retention.PassEmergency),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RetentionRun(strings.TrimSpace(pass))
				if err != nil {
					return fmt.Errorf("run retention: %w", err)
				}
				return emit(cmd, asJSON, resp.Results, func(out io.Writer) {
					colorize := shouldColorize(out)
					for _, r := range resp.Results {
						fmt.Fprintln(out, renderStatusLine(passLabel(r.Pass), retentionKind(r), retentionSummary(r), colorize))
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&pass, "pass", retention.PassAll, "Pass to run: deferred, age_based, emergency or all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit results as JSON")
	return cmd
}
