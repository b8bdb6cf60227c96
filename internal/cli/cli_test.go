// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/batchfetch/batchfetch/pkg/batchfetch"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadManifest_YAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "batch.yaml", `
options:
  maxConcurrent: 4
  waitTime: 2s
  archiveName: bundle.zip
  resumeMode: restart
tasks:
  - url: https://example.com/a.bin
  - id: b
    url: https://example.com/b.bin
    path: docs/b.bin
`)
	m, err := LoadManifest(p)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(m.Tasks) != 2 {
		t.Fatalf("Expected 2 tasks, got %d", len(m.Tasks))
	}
	if m.Tasks[1].ID != "b" || m.Tasks[1].TargetPath != "docs/b.bin" {
		t.Errorf("Unexpected second task: %+v", m.Tasks[1])
	}
	if m.Options.MaxConcurrent != 4 || m.Options.WaitTime != 2*time.Second {
		t.Errorf("Unexpected options: %+v", m.Options)
	}
	if m.Options.ArchiveName != "bundle.zip" || m.Options.ResumeMode != batchfetch.ResumeRestart {
		t.Errorf("Unexpected options: %+v", m.Options)
	}
}

func TestLoadManifest_JSONAndText(t *testing.T) {
	dir := t.TempDir()

	m, err := LoadManifest(writeFile(t, dir, "batch.json", `{"tasks":[{"url":"https://example.com/x","path":"x.dat"}]}`))
	if err != nil {
		t.Fatalf("LoadManifest json: %v", err)
	}
	if len(m.Tasks) != 1 || m.Tasks[0].TargetPath != "x.dat" {
		t.Errorf("Unexpected json manifest: %+v", m.Tasks)
	}

	m, err = LoadManifest(writeFile(t, dir, "urls.txt", "# comment\nhttps://example.com/1\n\n  https://example.com/2  \n"))
	if err != nil {
		t.Fatalf("LoadManifest txt: %v", err)
	}
	if len(m.Tasks) != 2 || m.Tasks[1].URL != "https://example.com/2" {
		t.Errorf("Unexpected txt manifest: %+v", m.Tasks)
	}

	if _, err := LoadManifest(writeFile(t, dir, "bad.yaml", "tasks: [")); err == nil {
		t.Error("Expected error for malformed manifest")
	}
}

func TestFetchResolve(t *testing.T) {
	p := writeFile(t, t.TempDir(), "batch.yaml", `
options:
  maxRetries: 9
  archiveName: from-manifest.zip
tasks:
  - url: https://example.com/a
`)

	fo := &fetchOpts{}
	cmd := &cobra.Command{}
	fo.bindFlags(cmd.Flags())
	if err := cmd.Flags().Parse([]string{"--manifest", p, "--archive", "flag.zip"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	specs, opts, err := fo.resolve(cmd.Flags(), []string{"https://example.com/b"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(specs) != 2 {
		t.Errorf("Expected 2 specs, got %d", len(specs))
	}
	if opts.ArchiveName != "flag.zip" {
		t.Errorf("Expected flag to override manifest archive, got %s", opts.ArchiveName)
	}
	if opts.MaxRetries != 9 {
		t.Errorf("Expected manifest retries 9, got %d", opts.MaxRetries)
	}

	// Without a manifest the flag defaults apply
	fo = &fetchOpts{}
	cmd = &cobra.Command{}
	fo.bindFlags(cmd.Flags())
	cmd.Flags().Parse(nil)
	_, opts, _ = fo.resolve(cmd.Flags(), []string{"https://example.com/b"})
	if opts.MaxConcurrent != batchfetch.DefaultMaxConcurrent || opts.ResumeMode != batchfetch.ResumeContinue {
		t.Errorf("Unexpected defaults: %+v", opts)
	}

	if _, _, err := fo.resolve(cmd.Flags(), nil); err == nil {
		t.Error("Expected error without URLs")
	}
}

func TestApplyConfig(t *testing.T) {
	p := writeFile(t, t.TempDir(), "batchfetch.yaml", "retries: 9\nlog-level: debug\nmax-active: 1\n")
	t.Setenv("BATCHFETCH_MAX_ACTIVE", "3")

	ro := &RootOpts{Config: p}
	fo := &fetchOpts{}
	cmd := &cobra.Command{}
	fo.bindFlags(cmd.Flags())
	cmd.Flags().StringVar(&ro.LogLevel, "log-level", "warn", "")
	cmd.Flags().StringVar(&ro.Config, "config", "", "")
	if err := cmd.Flags().Parse([]string{"--retries", "2"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if err := applyConfig(cmd, ro); err != nil {
		t.Fatalf("applyConfig: %v", err)
	}
	if fo.retries != 2 {
		t.Errorf("Expected command line retries 2, got %d", fo.retries)
	}
	if fo.maxActive != 3 {
		t.Errorf("Expected env max-active 3, got %d", fo.maxActive)
	}
	if ro.LogLevel != "debug" {
		t.Errorf("Expected config log-level debug, got %s", ro.LogLevel)
	}
	if cmd.Flags().Changed("log-level") {
		t.Error("Expected configured values to stay defaults")
	}
}

func TestJSONEvents(t *testing.T) {
	var buf bytes.Buffer
	sink := jsonEvents(&buf)
	sink.Publish(batchfetch.Event{Type: batchfetch.EventStarted, TaskID: "t1", BatchID: "b1"})
	sink.Publish(batchfetch.Event{Type: batchfetch.EventComplete, TaskID: "t1", BatchID: "b1",
		Payload: batchfetch.ArtifactPayload{TargetPath: "a", Size: 3, Data: []byte("abc")}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}
	var e map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e["type"] != "complete" {
		t.Errorf("Expected complete, got %v", e["type"])
	}
	if strings.Contains(lines[1], "YWJj") {
		t.Error("Expected artifact data to be left out of JSON events")
	}
}

func TestPrintBatches(t *testing.T) {
	var buf bytes.Buffer
	printBatches(&buf, []*batchfetch.Batch{{
		ID:         "b1",
		Members:    []batchfetch.BatchMember{{TaskID: "t1", Status: batchfetch.StatusCompleted}, {TaskID: "t2", Status: batchfetch.StatusPending}},
		Options:    batchfetch.Options{ArchiveName: "x.zip"},
		IsComplete: false,
	}})
	out := buf.String()
	for _, want := range []string{"BATCH", "b1", "1/2", "archive:x.zip"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}

	buf.Reset()
	printBatches(&buf, nil)
	if !strings.Contains(buf.String(), "No batches.") {
		t.Errorf("Expected empty message, got %q", buf.String())
	}
}

func fileServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := "content of " + r.URL.Path
		http.ServeContent(w, r, r.URL.Path, time.Time{}, strings.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(context.Background(), &RootOpts{}, "test")
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestFetchCommand_ListMode(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	srv := fileServer(t)
	dir := t.TempDir()

	if _, err := runCLI(t, "--quiet", "--output", dir, srv.URL+"/a.txt", srv.URL+"/b.txt"); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	for _, name := range []string{"a.txt", "b.txt"} {
		got, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(got) != "content of /"+name {
			t.Errorf("Expected %q, got %q", "content of /"+name, got)
		}
	}
}

func TestFetchCommand_ArchiveAndStatus(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	srv := fileServer(t)
	dir := t.TempDir()
	db := filepath.Join(t.TempDir(), "state.db")

	_, err := runCLI(t, "fetch", "--quiet", "--output", dir, "--db", db, "--archive", "bundle.zip",
		srv.URL+"/one", srv.URL+"/two")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "bundle.zip"))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if len(zr.File) != 2 {
		t.Errorf("Expected 2 entries, got %d", len(zr.File))
	}

	out, err := runCLI(t, "status", "--db", db, "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var batches []batchfetch.Batch
	if err := json.Unmarshal([]byte(out), &batches); err != nil {
		t.Fatalf("decode status %q: %v", out, err)
	}
	if len(batches) != 1 || !batches[0].IsComplete {
		t.Errorf("Expected one complete batch, got %+v", batches)
	}

	_, err = runCLI(t, "recover", "--db", db, "--output", dir)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
}

func TestStatusNeedsDB(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if _, err := runCLI(t, "status"); err == nil {
		t.Error("Expected error without --db")
	}
}

func TestVersionCommand(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	out, err := runCLI(t, "version", "--short")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != "test" {
		t.Errorf("Expected test, got %q", out)
	}
}

func TestConfigInitAndPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if _, err := runCLI(t, "config", "init", "--yaml"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	want := filepath.Join(home, ".config", "batchfetch.yaml")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("Expected config file at %s: %v", want, err)
	}
	if _, err := runCLI(t, "config", "init", "--yaml"); err == nil {
		t.Error("Expected error when config exists without --force")
	}

	out, err := runCLI(t, "config", "path")
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if strings.TrimSpace(out) != want {
		t.Errorf("Expected %s, got %q", want, out)
	}
}
