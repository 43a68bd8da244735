package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ferry/internal/ipc"
)

func newUploadCommand(ctx *commandContext) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Request an immediate upload cycle",
		Long: "Request an immediate upload cycle. Outside operational hours the request\n" +
			"is dropped unless --force is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.UploadNow(force)
				if err != nil {
					return fmt.Errorf("trigger upload: %w", err)
				}
				if !resp.Triggered {
					return fmt.Errorf("upload not triggered: %s", resp.Message)
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Run even outside operational hours")
	return cmd
}
