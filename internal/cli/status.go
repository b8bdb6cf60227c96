// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/batchfetch/batchfetch/pkg/batchfetch"
)

func newRecoverCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resume batches interrupted by a crash or Ctrl+C",
		Long: `Reload unfinished batches from --db and reschedule their interrupted
files. Paused files stay paused.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if ro.DB == "" {
				return fmt.Errorf("recover needs --db")
			}

			sink, ui := eventSink(ro)
			if ui != nil {
				defer ui.Close()
			}
			logger, closeLog, err := newLogger(ro)
			if err != nil {
				return err
			}
			defer closeLog()

			env, err := openOrchestrator(ctx, ro, logger, sink, true)
			if err != nil {
				return err
			}
			defer env.Close()

			ids, err := env.orch.Recover(ctx)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				if !ro.JSONOut {
					fmt.Println("Nothing to recover.")
				}
				return nil
			}
			if ui != nil {
				for _, id := range ids {
					if views, err := env.orch.Tasks(ctx, id); err == nil {
						ui.Track(views)
					}
				}
			}
			return waitBatches(ctx, ro, env.orch, ids)
		},
	}
}

func newStatusCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status [BATCH]",
		Short: "Show persisted batches, or the tasks of one batch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ro.DB == "" {
				return fmt.Errorf("status needs --db")
			}
			logger, closeLog, err := newLogger(ro)
			if err != nil {
				return err
			}
			defer closeLog()

			env, err := openOrchestrator(ctx, ro, logger, nil, false)
			if err != nil {
				return err
			}
			defer env.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				tasks, err := env.orch.Tasks(ctx, args[0])
				if err != nil {
					return err
				}
				if ro.JSONOut {
					return writeIndented(out, tasks)
				}
				printTasks(out, tasks)
				return nil
			}

			batches, err := env.orch.Batches(ctx)
			if err != nil {
				return err
			}
			if ro.JSONOut {
				return writeIndented(out, batches)
			}
			printBatches(out, batches)
			return nil
		},
	}
}

func printBatches(w io.Writer, batches []*batchfetch.Batch) {
	if len(batches) == 0 {
		fmt.Fprintln(w, "No batches.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tFILES\tDONE\tMODE\tCREATED")
	for _, b := range batches {
		mode := "list"
		if b.Options.ArchiveName != "" {
			mode = "archive:" + b.Options.ArchiveName
		}
		terminal := 0
		for _, m := range b.Members {
			if m.Status.Terminal() {
				terminal++
			}
		}
		state := fmt.Sprintf("%d/%d", terminal, len(b.Members))
		if b.IsComplete {
			state += " ✓"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", b.ID, len(b.Members), state, mode, b.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	tw.Flush()
}

func printTasks(w io.Writer, tasks []batchfetch.TaskView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tPROGRESS\tRETRIES\tPATH\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%d%%\t%d\t%s\t%s\n", t.ID, t.Status, t.Progress, t.RetryCount, t.TargetPath, t.LastError)
	}
	tw.Flush()
}

func writeIndented(w io.Writer, v any) error {
	if w == nil {
		w = os.Stdout
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
