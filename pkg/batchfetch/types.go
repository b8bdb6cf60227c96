// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import (
	"bytes"
	"fmt"
	"time"
)

// TaskSpec describes one resource to fetch when submitting a batch.
//
// Example:
//
//	spec := batchfetch.TaskSpec{
//	    URL:        "https://example.com/photos/a.jpg",
//	    TargetPath: "photos/a.jpg",
//	}
type TaskSpec struct {
	// ID is the task identifier. If empty, a UUID is generated.
	// IDs must be unique within a batch.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// URL is the absolute http or https address of the resource.
	// Malformed URLs are rejected when a worker picks the task up.
	URL string `json:"url" yaml:"url"`

	// TargetPath is the relative path used for the archive entry or output key.
	// If empty, the last segment of the URL path is used.
	TargetPath string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Chunk is one contiguous byte range received from the server.
type Chunk struct {
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
}

// Task is the full persisted record of one download.
//
// Only the worker that currently owns a task writes its record. Control
// commands write the lightweight StatusRecord instead and the owning worker
// observes the change.
type Task struct {
	ID         string `json:"taskId"`
	URL        string `json:"url"`
	TargetPath string `json:"targetPath"`
	BatchID    string `json:"batchId,omitempty"`
	Status     Status `json:"status"`

	// DownloadedBytes always equals the total length of Chunks.
	DownloadedBytes int64 `json:"downloadedBytes"`

	// TotalBytes is the expected size. Zero means unknown.
	TotalBytes  int64  `json:"totalBytes"`
	ContentType string `json:"contentType,omitempty"`

	// Chunks holds the received byte ranges in order, without gaps or overlap.
	// They are stored one record each in the chunk table, so a checkpoint
	// writes only what arrived since the previous one.
	Chunks []Chunk `json:"-"`

	// ChunkGen changes whenever the chunks are discarded. ChunkCount is
	// the number of stored chunks of that generation.
	ChunkGen   int `json:"chunkGen,omitempty"`
	ChunkCount int `json:"chunkCount,omitempty"`

	RetryCount int    `json:"retryCount"`
	LastError  string `json:"lastError,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	// stored is what the store currently holds for this task.
	stored chunkRef
}

type chunkRef struct {
	gen, count int
}

// Progress returns the completion percentage for display.
//
// A task that has not completed never reports more than 99, so 100 is only
// ever observed once the final bytes are persisted.
func (t *Task) Progress() int {
	if t.Status == StatusCompleted {
		return 100
	}
	return progressPercent(t.DownloadedBytes, t.TotalBytes)
}

// Assemble verifies the chunk sequence and concatenates it into one buffer.
func (t *Task) Assemble() ([]byte, error) {
	var next int64
	var buf bytes.Buffer
	buf.Grow(int(t.DownloadedBytes))
	for i, c := range t.Chunks {
		if c.Offset != next {
			return nil, fmt.Errorf("%w: chunk %d starts at %d, expected %d", ErrCorruptChunks, i, c.Offset, next)
		}
		buf.Write(c.Data)
		next += int64(len(c.Data))
	}
	if next != t.DownloadedBytes {
		return nil, fmt.Errorf("%w: chunks hold %d bytes, record says %d", ErrCorruptChunks, next, t.DownloadedBytes)
	}
	return buf.Bytes(), nil
}

// resetChunks drops every received byte so the next attempt starts from zero.
func (t *Task) resetChunks() {
	t.dropChunks()
	t.TotalBytes = 0
}

// dropChunks discards received bytes but keeps the known size.
func (t *Task) dropChunks() {
	t.Chunks = nil
	t.DownloadedBytes = 0
	t.ChunkGen++
	t.ChunkCount = 0
}

// View returns a copy of the task without its chunk data.
func (t *Task) View() TaskView {
	return TaskView{
		ID:              t.ID,
		URL:             t.URL,
		TargetPath:      t.TargetPath,
		BatchID:         t.BatchID,
		Status:          t.Status,
		DownloadedBytes: t.DownloadedBytes,
		TotalBytes:      t.TotalBytes,
		Progress:        t.Progress(),
		RetryCount:      t.RetryCount,
		LastError:       t.LastError,
	}
}

// TaskView is the task as exposed to APIs and status listings.
type TaskView struct {
	ID              string `json:"taskId"`
	URL             string `json:"url"`
	TargetPath      string `json:"targetPath"`
	BatchID         string `json:"batchId,omitempty"`
	Status          Status `json:"status"`
	DownloadedBytes int64  `json:"downloadedBytes"`
	TotalBytes      int64  `json:"totalBytes"`
	Progress        int    `json:"progress"`
	RetryCount      int    `json:"retryCount"`
	LastError       string `json:"lastError,omitempty"`
}

// StatusRecord is the lightweight status projection of a task.
// It is the channel through which pause, resume and cancel reach a running worker.
type StatusRecord struct {
	TaskID    string    `json:"taskId"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BatchMember tracks the last known status of one task in a batch.
type BatchMember struct {
	TaskID string `json:"taskId"`
	Status Status `json:"status"`
}

// Batch groups tasks submitted together.
type Batch struct {
	ID         string        `json:"batchId"`
	Members    []BatchMember `json:"members"`
	Options    Options       `json:"options"`
	IsComplete bool          `json:"isComplete"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// TaskIDs returns the member IDs in submission order.
func (b *Batch) TaskIDs() []string {
	ids := make([]string, len(b.Members))
	for i, m := range b.Members {
		ids[i] = m.TaskID
	}
	return ids
}

// ResumeMode selects what happens to persisted chunks when a paused task is resumed.
type ResumeMode string

const (
	// ResumeContinue keeps persisted chunks and continues with a Range request.
	ResumeContinue ResumeMode = "continue"

	// ResumeRestart discards persisted chunks and refetches from byte zero.
	ResumeRestart ResumeMode = "restart"
)

// Options configures a batch.
//
// All fields have defaults:
//
//	opts := batchfetch.Options{}          // 10 workers, 3 attempts, 1s base wait, list mode
//	opts := batchfetch.Options{
//	    MaxConcurrent: 4,
//	    ArchiveName:   "bundle.zip",     // archive mode
//	    AllOrNothing:  true,
//	}
type Options struct {
	// MaxConcurrent bounds how many tasks of the batch stream at once.
	// Default: 10
	MaxConcurrent int `json:"maxConcurrent,omitempty" yaml:"maxConcurrent,omitempty"`

	// MaxRetries is the number of attempts before a task is marked failed.
	// Default: 3
	MaxRetries int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`

	// WaitTime is the base backoff before the first retry. Each later retry doubles it.
	// Default: 1s
	WaitTime time.Duration `json:"waitTime,omitempty" yaml:"waitTime,omitempty"`

	// BackoffMax caps the backoff between attempts.
	// Default: 30s
	BackoffMax time.Duration `json:"backoffMax,omitempty" yaml:"backoffMax,omitempty"`

	// ArchiveName switches the batch to archive mode. When set, completed
	// members are bundled into one zip once every member is terminal.
	ArchiveName string `json:"archiveName,omitempty" yaml:"archiveName,omitempty"`

	// AllOrNothing skips archive assembly unless every member completed.
	AllOrNothing bool `json:"allOrNothing,omitempty" yaml:"allOrNothing,omitempty"`

	// ResumeMode chooses between continuing and restarting paused tasks.
	// Default: ResumeContinue
	ResumeMode ResumeMode `json:"resumeMode,omitempty" yaml:"resumeMode,omitempty"`

	// Purge deletes task records once they are no longer needed: after the
	// archive is written, or when the task is cancelled.
	Purge bool `json:"purge,omitempty" yaml:"purge,omitempty"`
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.WaitTime <= 0 {
		o.WaitTime = DefaultWaitTime
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.BackoffMax < o.WaitTime {
		o.BackoffMax = o.WaitTime
	}
	if o.ResumeMode == "" {
		o.ResumeMode = ResumeContinue
	}
	return o
}

// archiveMode reports whether the batch bundles its members.
func (o Options) archiveMode() bool {
	return o.ArchiveName != ""
}

// Option defaults applied by SubmitBatch.
const (
	DefaultMaxConcurrent = 10
	DefaultMaxRetries    = 3
	DefaultWaitTime      = time.Second
	DefaultBackoffMax    = 30 * time.Second
)

const (
	defaultStatusInterval     = time.Second
	defaultCheckpointInterval = 5 * time.Second
	defaultCheckpointChunks   = 200
	defaultReadSize           = 32 << 10
	defaultPutBatchSize       = 100
)

// BatchResult summarizes a batch once every member is terminal.
type BatchResult struct {
	BatchID   string         `json:"batchId"`
	Completed []string       `json:"completed"`
	Failed    []string       `json:"failed"`
	Cancelled []string       `json:"cancelled"`
	Archive   *ArchiveResult `json:"archive,omitempty"`

	// Err is set when archive assembly failed or was skipped by AllOrNothing.
	Err error `json:"-"`
}

// ArchiveResult describes an assembled archive.
type ArchiveResult struct {
	Name    string   `json:"name"`
	Entries []string `json:"entries"`
	Size    int64    `json:"size"`

	// Data is the finalized archive. It is not included in events.
	Data []byte `json:"-"`
}

func progressPercent(downloaded, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int((downloaded*100 + total/2) / total)
	return min(99, max(0, p))
}
