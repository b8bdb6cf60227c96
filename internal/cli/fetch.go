// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/batchfetch/batchfetch/pkg/batchfetch"
)

// Manifest is a batch described in a file.
//
//	options:
//	  maxConcurrent: 4
//	  archiveName: bundle.zip
//	tasks:
//	  - url: https://example.com/a.bin
//	  - url: https://example.com/b.bin
//	    path: docs/b.bin
//
// JSON is accepted as well. A .txt manifest lists one URL per line.
type Manifest struct {
	Options batchfetch.Options    `yaml:"options" json:"options"`
	Tasks   []batchfetch.TaskSpec `yaml:"tasks" json:"tasks"`
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".txt") {
		return parseURLList(b), nil
	}

	// YAML is a superset of JSON
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

func parseURLList(b []byte) *Manifest {
	m := &Manifest{}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m.Tasks = append(m.Tasks, batchfetch.TaskSpec{URL: line})
	}
	return m
}

type fetchOpts struct {
	manifest     string
	archive      string
	allOrNothing bool
	maxActive    int
	retries      int
	wait         time.Duration
	backoffMax   time.Duration
	resumeMode   string
	purge        bool
}

func newFetchCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	fo := &fetchOpts{}

	cmd := &cobra.Command{
		Use:   "fetch [URL...]",
		Short: "Download a batch of URLs",
		Long: `Download a batch of URLs concurrently.

URLs come from the arguments and/or a manifest file. Each completed file is
written under --output, or bundled into a single zip with --archive.

Examples:
  batchfetch https://example.com/a.bin https://example.com/b.bin
  batchfetch fetch -m batch.yaml --archive bundle.zip --db state.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, opts, err := fo.resolve(cmd.Flags(), args)
			if err != nil {
				return err
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

			id, err := env.orch.SubmitBatch(ctx, specs, opts)
			if err != nil {
				return err
			}
			if ui != nil {
				if views, err := env.orch.Tasks(ctx, id); err == nil {
					ui.Track(views)
				}
			}
			return waitBatches(ctx, ro, env.orch, []string{id})
		},
	}

	fo.bindFlags(cmd.Flags())

	return cmd
}

func (fo *fetchOpts) bindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&fo.manifest, "manifest", "m", "", "Batch manifest (YAML, JSON, or .txt with one URL per line)")
	fs.StringVar(&fo.archive, "archive", "", "Bundle completed files into this zip instead of writing them one by one")
	fs.BoolVar(&fo.allOrNothing, "all-or-nothing", false, "With --archive: skip the archive unless every file completed")
	fs.IntVar(&fo.maxActive, "max-active", batchfetch.DefaultMaxConcurrent, "Maximum number of files downloading at once")
	fs.IntVar(&fo.retries, "retries", batchfetch.DefaultMaxRetries, "Attempts per file before it is marked failed")
	fs.DurationVar(&fo.wait, "wait", batchfetch.DefaultWaitTime, "Initial retry backoff (doubles per attempt)")
	fs.DurationVar(&fo.backoffMax, "backoff-max", batchfetch.DefaultBackoffMax, "Maximum retry backoff")
	fs.StringVar(&fo.resumeMode, "resume-mode", string(batchfetch.ResumeContinue), "How paused files resume: continue|restart")
	fs.BoolVar(&fo.purge, "purge", false, "Delete task records once they are no longer needed")
}

// resolve merges arguments, the manifest and flags. Flags given on the
// command line override manifest options.
func (fo *fetchOpts) resolve(flags *pflag.FlagSet, args []string) ([]batchfetch.TaskSpec, batchfetch.Options, error) {
	var (
		specs []batchfetch.TaskSpec
		opts  batchfetch.Options
	)
	if fo.manifest != "" {
		m, err := LoadManifest(fo.manifest)
		if err != nil {
			return nil, opts, err
		}
		specs = append(specs, m.Tasks...)
		opts = m.Options
	}
	for _, a := range args {
		specs = append(specs, batchfetch.TaskSpec{URL: a})
	}
	if len(specs) == 0 {
		return nil, opts, fmt.Errorf("no URLs given. Pass them as arguments or with --manifest")
	}

	override := func(name string, apply func()) {
		if flags.Changed(name) || fo.manifest == "" {
			apply()
		}
	}
	override("archive", func() { opts.ArchiveName = fo.archive })
	override("all-or-nothing", func() { opts.AllOrNothing = fo.allOrNothing })
	override("max-active", func() { opts.MaxConcurrent = fo.maxActive })
	override("retries", func() { opts.MaxRetries = fo.retries })
	override("wait", func() { opts.WaitTime = fo.wait })
	override("backoff-max", func() { opts.BackoffMax = fo.backoffMax })
	override("resume-mode", func() { opts.ResumeMode = batchfetch.ResumeMode(fo.resumeMode) })
	override("purge", func() { opts.Purge = fo.purge })

	return specs, opts, nil
}
