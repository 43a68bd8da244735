package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ferry/internal/ipc"
	"ferry/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and feed the upload queue",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueAddCommand(ctx))

	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued files, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QueueList()
				if err != nil {
					return fmt.Errorf("list queue: %w", err)
				}
				return emit(cmd, asJSON, resp.Entries, func(out io.Writer) {
					if len(resp.Entries) == 0 {
						fmt.Fprintln(out, "Queue is empty")
						return
					}
					fmt.Fprintln(out, renderQueueTable(resp.Entries, time.Now()))
				})
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit entries as JSON")
	return cmd
}

func renderQueueTable(entries []queue.Entry, now time.Time) string {
	columns := []column{
		{title: "File"},
		{title: "Source"},
		{title: "Size", right: true},
		{title: "Queued"},
		{title: "Attempts", right: true},
		{title: "Last Error"},
	}
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, []string{
			entry.Path,
			entry.SourceTag,
			humanize.Bytes(uint64(max(entry.Size, 0))),
			humanize.RelTime(entry.EnqueuedAt, now, "ago", "from now"),
			strconv.Itoa(entry.Attempts),
			truncate(entry.LastError, 48),
		})
	}
	return renderTable(columns, rows)
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}

func newQueueAddCommand(ctx *commandContext) *cobra.Command {
	var tag string

	cmd := &cobra.Command{
		Use:   "add <path>...",
		Short: "Queue files for upload",
		Long: "Queue one or more files for upload. Without --tag the source tag is taken\n" +
			"from the configured source directory containing each file, or \"manual\".",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := make([]string, 0, len(args))
			for _, arg := range args {
				abs, err := filepath.Abs(arg)
				if err != nil {
					return fmt.Errorf("resolve %s: %w", arg, err)
				}
				paths = append(paths, abs)
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QueueAdd(paths, tag)
				if err != nil {
					return fmt.Errorf("queue add: %w", err)
				}
				out := cmd.OutOrStdout()
				failed := 0
				for _, result := range resp.Results {
					switch {
					case result.Error != "":
						failed++
						fmt.Fprintf(out, "Rejected %s: %s\n", result.Path, result.Error)
					case result.Created:
						fmt.Fprintf(out, "Queued %s\n", result.Path)
					default:
						fmt.Fprintf(out, "Already queued %s\n", result.Path)
					}
				}
				if failed > 0 {
					return errors.New("some files could not be queued")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&tag, "tag", "t", "", "Source tag for the queued files")
	return cmd
}
