// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/batchfetch/batchfetch/internal/server"
	"github.com/batchfetch/batchfetch/pkg/batchfetch"
)

func newServeCmd(ctx context.Context, ro *RootOpts, version string) *cobra.Command {
	var (
		addr       string
		port       int
		origins    []string
		maxTasks   int
		maxActive  int
		retries    int
		wait       time.Duration
		backoffMax time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP server for remote batch control",
		Long: `Start an HTTP server that provides:
  - REST API for submitting and controlling batches
  - WebSocket for live events and control commands

With --db, unfinished batches are recovered on start.

Example:
  batchfetch serve
  batchfetch serve --port 3000 --db state.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.Config{
				Addr:           addr,
				Port:           port,
				AllowedOrigins: origins,
				MaxTasks:       maxTasks,
				Defaults: batchfetch.Options{
					MaxConcurrent: maxActive,
					MaxRetries:    retries,
					WaitTime:      wait,
					BackoffMax:    backoffMax,
				},
			}

			logger, closeLog, err := newLogger(ro)
			if err != nil {
				return err
			}
			defer closeLog()

			tracker := server.NewBatchTracker(server.NewWSHub(logger))
			env, err := openOrchestrator(ctx, ro, logger, tracker, true)
			if err != nil {
				return err
			}
			defer env.Close()

			if ro.DB != "" {
				ids, err := env.orch.Recover(ctx)
				if err != nil {
					return err
				}
				for _, id := range ids {
					if b, err := env.orch.Batch(ctx, id); err == nil {
						tracker.Track(b)
					}
				}
				if len(ids) > 0 {
					logger.Info("recovered batches", "count", len(ids))
				}
			}

			srv := server.New(cfg, env.orch, tracker, logger)
			srv.SetVersion(version)

			fmt.Println()
			fmt.Println("╭──────────────────────────────────────────╮")
			fmt.Println("│          batchfetch server mode          │")
			fmt.Println("╰──────────────────────────────────────────╯")
			fmt.Println()

			return srv.ListenAndServe(ctx)
		},
	}

	def := server.DefaultConfig()
	cmd.Flags().StringVar(&addr, "addr", def.Addr, "Address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", def.Port, "Port to listen on")
	cmd.Flags().StringSliceVar(&origins, "allowed-origins", nil, "CORS origins allowed to call the API (all when empty)")
	cmd.Flags().IntVar(&maxTasks, "max-tasks", def.MaxTasks, "Largest batch accepted by the API (0 = unlimited)")
	cmd.Flags().IntVar(&maxActive, "max-active", batchfetch.DefaultMaxConcurrent, "Default per-batch concurrency")
	cmd.Flags().IntVar(&retries, "retries", batchfetch.DefaultMaxRetries, "Default attempts per file")
	cmd.Flags().DurationVar(&wait, "wait", batchfetch.DefaultWaitTime, "Default initial retry backoff")
	cmd.Flags().DurationVar(&backoffMax, "backoff-max", batchfetch.DefaultBackoffMax, "Default maximum retry backoff")

	return cmd
}
