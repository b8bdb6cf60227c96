// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import (
	"context"
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusDownloading, true},
		{StatusPending, StatusPaused, true},
		{StatusPending, StatusCompleted, false},
		{StatusDownloading, StatusCompleted, true},
		{StatusDownloading, StatusRetryPending, true},
		{StatusDownloading, StatusPaused, true},
		{StatusDownloading, StatusFailed, false},
		{StatusRetryPending, StatusDownloading, true},
		{StatusRetryPending, StatusFailed, true},
		{StatusPaused, StatusResumeRequested, true},
		{StatusPaused, StatusDownloading, false},
		{StatusResumeRequested, StatusDownloading, true},
		{StatusResumeRequested, StatusCancelled, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusFailed, StatusDownloading, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusFailed, StatusCompleted, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusDownloading, StatusPaused, StatusResumeRequested, StatusRetryPending} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Status("bogus").Valid() {
		t.Error("bogus status should be invalid")
	}
}

func TestStatusBoard_Transition(t *testing.T) {
	ctx := context.Background()
	ts := NewTaskStore(NewMemoryStore(), 0)
	b := newStatusBoard(ts)
	if err := ts.PutStatus(ctx, "t1", StatusDownloading); err != nil {
		t.Fatal(err)
	}

	from, changed, err := b.Transition(ctx, "t1", StatusPaused)
	if err != nil || !changed || from != StatusDownloading {
		t.Fatalf("Transition = %s, %v, %v", from, changed, err)
	}
	if _, changed, err := b.Transition(ctx, "t1", StatusPaused); err != nil || changed {
		t.Errorf("repeated transition should be a silent no-op, got changed=%v err=%v", changed, err)
	}
	if _, _, err := b.TransitionFrom(ctx, "t1", []Status{StatusDownloading}, StatusCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("worker completion must not overwrite a pause, got %v", err)
	}
	if st, _ := b.Get(ctx, "t1"); st != StatusPaused {
		t.Errorf("status = %s, want paused", st)
	}
	if _, _, err := b.Transition(ctx, "missing", StatusPaused); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing task: got %v", err)
	}
}

func TestHandleRegistry(t *testing.T) {
	r := newHandleRegistry()
	ctx, cancel := context.WithCancelCause(context.Background())
	if err := r.Register("a", cancel); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("a", cancel); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second register: got %v", err)
	}
	if !r.Signal("a", ErrPaused) {
		t.Error("Signal should report an active handle")
	}
	if !errors.Is(context.Cause(ctx), ErrPaused) {
		t.Errorf("cause = %v", context.Cause(ctx))
	}
	r.Release("a")
	if r.Signal("a", ErrCancelled) || r.Active("a") {
		t.Error("released handle still active")
	}
}

func TestTaskQueue(t *testing.T) {
	var q taskQueue
	q.Push("a", "b")
	q.Push("c")
	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Fatalf("Pop = %q, %v; want %q", got, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop on empty queue should report false")
	}
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		done, total int64
		want        int
	}{
		{0, 0, 0},
		{50, 0, 0},
		{0, 100, 0},
		{40, 100, 40},
		{995, 1000, 99},
		{1000, 1000, 99},
	}
	for _, tt := range tests {
		if got := progressPercent(tt.done, tt.total); got != tt.want {
			t.Errorf("progressPercent(%d, %d) = %d, want %d", tt.done, tt.total, got, tt.want)
		}
	}
}

func TestTask_Assemble(t *testing.T) {
	task := &Task{
		Chunks:          []Chunk{{Offset: 0, Data: []byte("hel")}, {Offset: 3, Data: []byte("lo")}},
		DownloadedBytes: 5,
	}
	got, err := task.Assemble()
	if err != nil || string(got) != "hello" {
		t.Fatalf("Assemble = %q, %v", got, err)
	}

	task.Chunks[1].Offset = 4
	if _, err := task.Assemble(); !errors.Is(err, ErrCorruptChunks) {
		t.Errorf("gap: got %v", err)
	}
	task.Chunks[1].Offset = 3
	task.DownloadedBytes = 9
	if _, err := task.Assemble(); !errors.Is(err, ErrCorruptChunks) {
		t.Errorf("length mismatch: got %v", err)
	}
}
