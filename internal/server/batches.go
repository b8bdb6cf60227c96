// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"slices"
	"sync"
	"time"

	"github.com/batchfetch/batchfetch/pkg/batchfetch"
)

// BatchProgress is the live view of a batch kept for API and websocket clients.
type BatchProgress struct {
	BatchID         string          `json:"batchId"`
	State           string          `json:"state"` // running, done
	ArchiveName     string          `json:"archiveName,omitempty"`
	TotalFiles      int             `json:"totalFiles"`
	CompletedFiles  int             `json:"completedFiles"`
	FailedFiles     int             `json:"failedFiles"`
	CancelledFiles  int             `json:"cancelledFiles"`
	DownloadedBytes int64           `json:"downloadedBytes"`
	TotalBytes      int64           `json:"totalBytes"`
	Files           []*FileProgress `json:"files"`
	Error           string          `json:"error,omitempty"`
	StartedAt       time.Time       `json:"startedAt"`
	EndedAt         *time.Time      `json:"endedAt,omitempty"`
}

// FileProgress is the live view of a single task.
type FileProgress struct {
	TaskID     string            `json:"taskId"`
	Path       string            `json:"path,omitempty"`
	Status     batchfetch.Status `json:"status"`
	Downloaded int64             `json:"downloaded"`
	Total      int64             `json:"total"`
	Attempt    int               `json:"attempt,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// BatchTracker folds orchestrator events into per-batch progress and
// forwards them to websocket clients. It implements batchfetch.EventSink.
type BatchTracker struct {
	mu      sync.RWMutex
	batches map[string]*BatchProgress
	hub     *WSHub
	now     func() time.Time
}

// NewBatchTracker creates a tracker broadcasting through hub.
func NewBatchTracker(hub *WSHub) *BatchTracker {
	return &BatchTracker{
		batches: make(map[string]*BatchProgress),
		hub:     hub,
		now:     time.Now,
	}
}

// Hub returns the websocket hub the tracker broadcasts to.
func (t *BatchTracker) Hub() *WSHub {
	return t.hub
}

// Track registers the members of a batch so totals are known before the
// first event arrives.
func (t *BatchTracker) Track(b *batchfetch.Batch) {
	if b == nil {
		return
	}
	t.mu.Lock()
	bp := t.getLocked(b.ID)
	bp.ArchiveName = b.Options.ArchiveName
	if !b.CreatedAt.IsZero() {
		bp.StartedAt = b.CreatedAt
	}
	for _, m := range b.Members {
		f := bp.file(m.TaskID)
		if f.Status == "" {
			f.Status = m.Status
		}
	}
	if b.IsComplete && bp.State != "done" {
		bp.State = "done"
	}
	bp.recount()
	snapshot := bp.clone()
	t.mu.Unlock()

	t.hub.BroadcastBatch(snapshot)
}

// Publish implements batchfetch.EventSink.
func (t *BatchTracker) Publish(e batchfetch.Event) {
	if e.BatchID == "" {
		t.hub.BroadcastEvent(e)
		return
	}

	t.mu.Lock()
	bp := t.getLocked(e.BatchID)
	t.apply(bp, e)
	bp.recount()
	var snapshot *BatchProgress
	if e.Type != batchfetch.EventProgress {
		snapshot = bp.clone()
	}
	t.mu.Unlock()

	t.hub.BroadcastEvent(e)
	if snapshot != nil {
		t.hub.BroadcastBatch(snapshot)
	}
}

func (t *BatchTracker) apply(bp *BatchProgress, e batchfetch.Event) {
	if e.TaskID == "" {
		t.applyBatch(bp, e)
		return
	}
	f := bp.file(e.TaskID)

	switch e.Type {
	case batchfetch.EventStarted:
		f.Status = batchfetch.StatusDownloading
		f.Error = ""
		if p, ok := e.Payload.(batchfetch.ProgressPayload); ok {
			f.Downloaded, f.Total = p.Downloaded, p.Total
		}
	case batchfetch.EventProgress:
		if p, ok := e.Payload.(batchfetch.ProgressPayload); ok {
			f.Downloaded, f.Total = p.Downloaded, p.Total
		}
	case batchfetch.EventComplete:
		f.Status = batchfetch.StatusCompleted
		if p, ok := e.Payload.(batchfetch.ArtifactPayload); ok {
			f.Path = p.TargetPath
			f.Downloaded = p.Size
			f.Total = p.Size
		}
	case batchfetch.EventRetry:
		f.Status = batchfetch.StatusRetryPending
		if p, ok := e.Payload.(batchfetch.RetryPayload); ok {
			f.Attempt = p.Attempt
			f.Error = p.Error
		}
	case batchfetch.EventError:
		if p, ok := e.Payload.(batchfetch.ErrorPayload); ok {
			f.Error = p.Message
			if p.Final {
				f.Status = batchfetch.StatusFailed
			}
		}
	case batchfetch.EventPaused:
		f.Status = batchfetch.StatusPaused
		if p, ok := e.Payload.(batchfetch.ProgressPayload); ok {
			f.Downloaded, f.Total = p.Downloaded, p.Total
		}
	case batchfetch.EventResumed:
		f.Status = batchfetch.StatusResumeRequested
	case batchfetch.EventCancelled:
		f.Status = batchfetch.StatusCancelled
		f.Downloaded = 0
	}
}

func (t *BatchTracker) applyBatch(bp *BatchProgress, e batchfetch.Event) {
	switch e.Type {
	case batchfetch.EventArchiveFailed:
		if p, ok := e.Payload.(batchfetch.ErrorPayload); ok {
			bp.Error = p.Message
		}
	case batchfetch.EventBatchComplete:
		bp.State = "done"
		now := t.now()
		bp.EndedAt = &now
		if res, ok := e.Payload.(*batchfetch.BatchResult); ok && res != nil {
			if res.Archive != nil {
				bp.ArchiveName = res.Archive.Name
			}
			if res.Err != nil && bp.Error == "" {
				bp.Error = res.Err.Error()
			}
		}
	}
}

// Progress returns a snapshot of one batch.
func (t *BatchTracker) Progress(batchID string) (*BatchProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bp, ok := t.batches[batchID]
	if !ok {
		return nil, false
	}
	return bp.clone(), true
}

// List returns snapshots of all tracked batches, oldest first.
func (t *BatchTracker) List() []*BatchProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*BatchProgress, 0, len(t.batches))
	for _, bp := range t.batches {
		out = append(out, bp.clone())
	}
	slices.SortFunc(out, func(a, b *BatchProgress) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.BatchID < b.BatchID {
			return -1
		}
		if a.BatchID > b.BatchID {
			return 1
		}
		return 0
	})
	return out
}

func (t *BatchTracker) getLocked(batchID string) *BatchProgress {
	bp, ok := t.batches[batchID]
	if !ok {
		bp = &BatchProgress{
			BatchID:   batchID,
			State:     "running",
			StartedAt: t.now(),
		}
		t.batches[batchID] = bp
	}
	return bp
}

func (bp *BatchProgress) file(taskID string) *FileProgress {
	for _, f := range bp.Files {
		if f.TaskID == taskID {
			return f
		}
	}
	f := &FileProgress{TaskID: taskID}
	bp.Files = append(bp.Files, f)
	return f
}

func (bp *BatchProgress) recount() {
	bp.TotalFiles = len(bp.Files)
	bp.CompletedFiles, bp.FailedFiles, bp.CancelledFiles = 0, 0, 0
	bp.DownloadedBytes, bp.TotalBytes = 0, 0
	for _, f := range bp.Files {
		switch f.Status {
		case batchfetch.StatusCompleted:
			bp.CompletedFiles++
		case batchfetch.StatusFailed:
			bp.FailedFiles++
		case batchfetch.StatusCancelled:
			bp.CancelledFiles++
		}
		bp.DownloadedBytes += f.Downloaded
		bp.TotalBytes += f.Total
	}
}

func (bp *BatchProgress) clone() *BatchProgress {
	cp := *bp
	cp.Files = make([]*FileProgress, len(bp.Files))
	for i, f := range bp.Files {
		fc := *f
		cp.Files[i] = &fc
	}
	if bp.EndedAt != nil {
		t := *bp.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}
