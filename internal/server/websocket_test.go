// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/batchfetch/batchfetch/pkg/batchfetch"
)

func TestWSHub_Broadcast(t *testing.T) {
	hub := NewWSHub(log.New(io.Discard))
	go hub.Run()

	// Give hub time to start
	time.Sleep(10 * time.Millisecond)

	// Test broadcast doesn't panic with no clients
	hub.Broadcast("test", map[string]string{"key": "value"})
	hub.BroadcastBatch(&BatchProgress{BatchID: "b1", State: "running"})
	hub.BroadcastEvent(batchfetch.Event{Type: batchfetch.EventStarted, TaskID: "t1"})
	hub.Publish(batchfetch.Event{Type: batchfetch.EventProgress, TaskID: "t1"})
}

func TestWSHub_ClientCount(t *testing.T) {
	hub := NewWSHub(log.New(io.Discard))
	go hub.Run()

	time.Sleep(10 * time.Millisecond)

	count := hub.ClientCount()
	if count != 0 {
		t.Errorf("Expected 0 clients, got %d", count)
	}
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wsFrame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// readUntil reads frames until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wsFrame) bool) wsFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var f wsFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		if match(f) {
			return f
		}
	}
}

func TestWS_InitMessage(t *testing.T) {
	env := newTestServer(t)
	env.srv.SetVersion("9.9.9")
	conn := dialWS(t, env)

	f := readUntil(t, conn, func(wsFrame) bool { return true })
	if f.Type != "init" {
		t.Fatalf("Expected init as first message, got %s", f.Type)
	}
	if f.Data["version"] != "9.9.9" {
		t.Errorf("Expected version 9.9.9, got %v", f.Data["version"])
	}
	waitFor(t, "client registration", func() bool { return env.srv.wsHub.ClientCount() == 1 })
}

func TestWS_SubmitStreamsEvents(t *testing.T) {
	env := newTestServer(t)
	conn := dialWS(t, env)
	readUntil(t, conn, func(f wsFrame) bool { return f.Type == "init" })

	cmd := WSCommand{
		Type:  "submit",
		Tasks: []batchfetch.TaskSpec{{ID: "w1", URL: env.files.URL + "/wsfile"}},
	}
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Events may overtake the reply, so collect both
	var batchID, completed string
	readUntil(t, conn, func(f wsFrame) bool {
		switch {
		case f.Type == "error":
			t.Fatalf("Expected submitted, got error: %v", f.Data)
		case f.Type == "submitted":
			batchID, _ = f.Data["batchId"].(string)
		case f.Type == "event" && f.Data["type"] == string(batchfetch.EventBatchComplete):
			completed, _ = f.Data["batchId"].(string)
		}
		return batchID != "" && completed != ""
	})
	if completed != batchID {
		t.Errorf("Expected batch_complete for %s, got %s", batchID, completed)
	}
}

func TestWS_CommandErrors(t *testing.T) {
	env := newTestServer(t)
	conn := dialWS(t, env)
	readUntil(t, conn, func(f wsFrame) bool { return f.Type == "init" })

	tests := []string{
		`{not json`,
		`{"type":"explode"}`,
		`{"type":"pause"}`,
		`{"type":"cancelAll","batchId":"missing"}`,
	}
	for _, raw := range tests {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("write: %v", err)
		}
		f := readUntil(t, conn, func(f wsFrame) bool { return f.Type == "error" || f.Type == "ack" })
		if f.Type != "error" {
			t.Errorf("%s: Expected error reply, got %s", raw, f.Type)
		}
	}
}

func TestWS_PauseAck(t *testing.T) {
	env := newTestServer(t)
	conn := dialWS(t, env)
	readUntil(t, conn, func(f wsFrame) bool { return f.Type == "init" })

	id := env.submit(t, SubmitRequest{Tasks: []batchfetch.TaskSpec{{ID: "p1", URL: env.files.URL + "/slow/p1"}}})
	waitFor(t, "task to start", func() bool {
		st, err := env.orch.Status(context.Background(), "p1")
		return err == nil && st.Status == batchfetch.StatusDownloading
	})

	conn.WriteJSON(WSCommand{Type: "pauseAll", BatchID: id})
	f := readUntil(t, conn, func(f wsFrame) bool { return f.Type == "error" || f.Type == "ack" })
	if f.Type != "ack" {
		t.Fatalf("Expected ack, got %s: %v", f.Type, f.Data)
	}

	readUntil(t, conn, func(f wsFrame) bool {
		return f.Type == "event" && f.Data["type"] == string(batchfetch.EventPaused) && f.Data["taskId"] == "p1"
	})
}
