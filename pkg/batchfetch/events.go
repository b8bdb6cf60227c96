// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import (
	"sync"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventStarted       EventType = "started"
	EventProgress      EventType = "progress"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
	EventRetry         EventType = "retry"
	EventPaused        EventType = "paused"
	EventResumed       EventType = "resumed"
	EventCancelled     EventType = "cancelled"
	EventArchiving     EventType = "archiving"
	EventArchived      EventType = "archived"
	EventArchiveFailed EventType = "archive_failed"
	EventBatchComplete EventType = "batch_complete"
)

// Event is emitted for every observable change in a batch.
//
// Payload depends on Type:
//   - progress: ProgressPayload
//   - complete: ArtifactPayload
//   - retry: RetryPayload
//   - error, archive_failed: ErrorPayload
//   - archived: *ArchiveResult
//   - batch_complete: *BatchResult
type Event struct {
	Type    EventType `json:"type"`
	TaskID  string    `json:"taskId,omitempty"`
	BatchID string    `json:"batchId,omitempty"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// ProgressPayload reports bytes received so far.
type ProgressPayload struct {
	Downloaded int64 `json:"downloaded"`
	Total      int64 `json:"total"`
	Percent    int   `json:"percent"`
}

// ArtifactPayload accompanies a complete event. Data is only set in list
// mode, where the caller receives each finished artifact directly.
type ArtifactPayload struct {
	TargetPath  string `json:"targetPath"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
	Data        []byte `json:"-"`
}

// RetryPayload describes a scheduled retry.
type RetryPayload struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	Error   string        `json:"error"`
}

// ErrorPayload carries a classified error.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Final   bool   `json:"final"`

	Err error `json:"-"`
}

// EventSink receives lifecycle events. Publish is called from worker
// goroutines and must not block for long.
type EventSink interface {
	Publish(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

// Recorder is an EventSink that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Of returns the recorded events of type t, optionally limited to one task.
func (r *Recorder) Of(t EventType, taskID string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t && (taskID == "" || e.TaskID == taskID) {
			out = append(out, e)
		}
	}
	return out
}
