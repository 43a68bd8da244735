package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"ferry/internal/ipc"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, upload and retention status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				st, err := client.Status()
				if err != nil {
					return fmt.Errorf("fetch status: %w", err)
				}
				return emit(cmd, asJSON, st, func(out io.Writer) {
					fmt.Fprintln(out, strings.Join(renderStatus(st, shouldColorize(out)), "\n"))
				})
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the raw status document as JSON")
	return cmd
}
