// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/batchfetch/batchfetch/internal/output"
	"github.com/batchfetch/batchfetch/internal/store/sqlite"
	"github.com/batchfetch/batchfetch/internal/tui"
	"github.com/batchfetch/batchfetch/pkg/batchfetch"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	JSONOut  bool
	Quiet    bool
	Verbose  bool
	Config   string
	LogFile  string
	LogLevel string
	DB       string
	Output   string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := newRootCmd(ctx, &RootOpts{}, version)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func newRootCmd(ctx context.Context, ro *RootOpts, version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "batchfetch",
		Short:         "Resumable, concurrent multi-file downloader",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return applyConfig(cmd, ro)
		},
	}

	// Global flags
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON events")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (failures and summary only)")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (debug details)")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&ro.LogFile, "log-file", "", "Write logs to file (in addition to stderr)")
	root.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&ro.DB, "db", "", "SQLite database for resumable state (in-memory when empty)")
	root.PersistentFlags().StringVarP(&ro.Output, "output", "o", "downloads", "Destination directory or bucket URL (file://, s3://, gs://, mem://)")

	// Add commands
	fetchCmd := newFetchCmd(ctx, ro)
	root.AddCommand(fetchCmd)
	root.AddCommand(newRecoverCmd(ctx, ro))
	root.AddCommand(newStatusCmd(ctx, ro))
	root.AddCommand(newServeCmd(ctx, ro, version))
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd(version))

	// Make fetch the default command when no subcommand is given
	root.RunE = fetchCmd.RunE
	root.Flags().AddFlagSet(fetchCmd.Flags())
	root.Args = cobra.ArbitraryArgs
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	return root
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// newLogger builds the root logger from the global flags.
func newLogger(ro *RootOpts) (*log.Logger, func(), error) {
	level, err := log.ParseLevel(ro.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid --log-level %q: %w", ro.LogLevel, err)
	}
	if ro.Verbose {
		level = log.DebugLevel
	}
	if ro.Quiet && level < log.ErrorLevel {
		level = log.ErrorLevel
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if ro.LogFile != "" {
		f, err := os.OpenFile(ro.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}

	logger := log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "batchfetch",
	})
	return logger, closeFn, nil
}

// runtimeEnv is an orchestrator with the collaborators it was opened with.
type runtimeEnv struct {
	orch   *batchfetch.Orchestrator
	logger *log.Logger
	closer []func()
}

func (r *runtimeEnv) Close() {
	r.orch.Close()
	for i := len(r.closer) - 1; i >= 0; i-- {
		r.closer[i]()
	}
}

// openOrchestrator wires the store and output selected by the flags.
func openOrchestrator(ctx context.Context, ro *RootOpts, logger *log.Logger, sink batchfetch.EventSink, withOutput bool) (*runtimeEnv, error) {
	env := &runtimeEnv{logger: logger}

	cfg := batchfetch.Config{
		Sink:   sink,
		Logger: logger,
	}
	if ro.DB != "" {
		st, err := sqlite.Open(ro.DB, logger)
		if err != nil {
			return nil, err
		}
		cfg.Store = st
		env.closer = append(env.closer, func() { st.Close() })
	}
	if withOutput && ro.Output != "" {
		out, err := output.Open(ctx, ro.Output, logger)
		if err != nil {
			for i := len(env.closer) - 1; i >= 0; i-- {
				env.closer[i]()
			}
			return nil, err
		}
		cfg.Output = out
		env.closer = append(env.closer, func() { out.Close() })
	}

	env.orch = batchfetch.New(cfg)
	return env, nil
}

// eventSink picks the event presentation for the flags.
func eventSink(ro *RootOpts) (batchfetch.EventSink, *tui.LiveRenderer) {
	if ro.JSONOut {
		return jsonEvents(os.Stdout), nil
	}
	ui := tui.NewLiveRenderer(os.Stdout, tui.Options{Bar: true, Quiet: ro.Quiet})
	return ui, ui
}

// jsonEvents returns a JSON-lines event sink.
func jsonEvents(w io.Writer) batchfetch.EventSink {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	var mu sync.Mutex
	return batchfetch.SinkFunc(func(e batchfetch.Event) {
		mu.Lock()
		_ = enc.Encode(e)
		mu.Unlock()
	})
}

// waitBatches waits for every batch and reports the combined outcome. An
// interrupt leaves the batches resumable.
func waitBatches(ctx context.Context, ro *RootOpts, orch *batchfetch.Orchestrator, ids []string) error {
	var errs []error
	failed := 0
	for _, id := range ids {
		res, err := orch.Wait(ctx, id)
		if ctx.Err() != nil {
			if ro.DB != "" {
				fmt.Fprintf(os.Stderr, "interrupted; resume with: batchfetch recover --db %s\n", ro.DB)
			}
			return ctx.Err()
		}
		if res != nil {
			failed += len(res.Failed)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("batch %s: %w", id, err))
		}
	}
	if failed > 0 {
		errs = append(errs, fmt.Errorf("%d task(s) failed", failed))
	}
	return errors.Join(errs...)
}
