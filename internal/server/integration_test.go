// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

//go:build integration

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/batchfetch/batchfetch/pkg/batchfetch"
)

// getFreePort finds an available port
func getFreePort() int {
	l, _ := net.Listen("tcp", "127.0.0.1:0")
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// These tests require network access and download from a public host.
// Run with: go test -tags=integration -v ./internal/server/

func TestIntegration_FullDownloadFlow(t *testing.T) {
	port := getFreePort()
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1"
	cfg.Port = port

	logger := log.New(io.Discard)
	tracker := NewBatchTracker(NewWSHub(logger))
	orch := batchfetch.New(batchfetch.Config{Sink: tracker})
	defer orch.Close()

	srv := New(cfg, orch, tracker, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start server in background
	go srv.ListenAndServe(ctx)
	time.Sleep(200 * time.Millisecond)

	baseURL := "http://127.0.0.1:" + strconv.Itoa(port)

	t.Run("health check", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/api/health")
		if err != nil {
			t.Fatalf("Health check failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != 200 {
			t.Errorf("Expected 200, got %d", resp.StatusCode)
		}
	})

	t.Run("archive batch", func(t *testing.T) {
		body, _ := json.Marshal(SubmitRequest{
			Tasks: []batchfetch.TaskSpec{
				{URL: "https://www.rfc-editor.org/rfc/rfc2616.txt"},
				{URL: "https://www.rfc-editor.org/rfc/rfc7233.txt"},
			},
			Options: &batchfetch.Options{ArchiveName: "rfcs.zip"},
		})
		resp, err := http.Post(baseURL+"/api/batches", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("Expected 202, got %d", resp.StatusCode)
		}
		var out map[string]string
		json.NewDecoder(resp.Body).Decode(&out)

		deadline := time.Now().Add(2 * time.Minute)
		for time.Now().Before(deadline) {
			r, err := http.Get(baseURL + "/api/batches/" + out["batchId"] + "/archive")
			if err != nil {
				t.Fatalf("Archive request failed: %v", err)
			}
			io.Copy(io.Discard, r.Body)
			r.Body.Close()
			if r.StatusCode == http.StatusOK {
				return
			}
			if r.StatusCode != http.StatusConflict {
				t.Fatalf("Expected 200 or 409, got %d", r.StatusCode)
			}
			time.Sleep(500 * time.Millisecond)
		}
		t.Fatal("archive not ready in time")
	})
}
