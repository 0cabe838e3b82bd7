package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"ecm/internal/logging"
	"ecm/internal/server"
)

func newGCCmd(opts *rootOptions) *cobra.Command {
	var del bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Garbage collect unreferenced binaries",
		Long: `Mark the binaries referenced by any document or version, then report the
others. They are deleted from the blob storage only with --delete.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			log := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.Location)
			defer func() { _ = log.Sync() }()

			srv, err := server.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			}()
			status, err := srv.GarbageCollectBinaries(cmd.Context(), del)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"", "Count", "Size (bytes)"})
			t.AppendRow(table.Row{"referenced", status.NumBinaries, status.SizeBinaries})
			t.AppendRow(table.Row{"unreferenced", status.NumBinariesGC, status.SizeBinariesGC})
			t.SetColumnConfigs([]table.ColumnConfig{
				{Number: 2, Align: text.AlignRight},
				{Number: 3, Align: text.AlignRight},
			})
			style := table.StyleLight
			style.Options.DrawBorder = false
			t.SetStyle(style)
			t.Render()

			verb := "would be deleted (dry run, use --delete)"
			if status.Deleted {
				verb = "deleted"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d unreferenced binaries %s in %dms\n", status.NumBinariesGC, verb, status.GCDuration)
			return nil
		},
	}
	cmd.Flags().BoolVar(&del, "delete", false, "delete the unreferenced binaries")
	return cmd
}
