// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import (
	"context"
	"fmt"
)

// Output stores finished artifacts and archives outside the Store, for
// example in a directory or a cloud bucket.
type Output interface {
	Write(ctx context.Context, key string, data []byte, contentType string) error
}

// Strategy decides what happens to finished tasks and batches.
type Strategy interface {
	// OnTaskTerminal is called once per task when it reaches a terminal status.
	OnTaskTerminal(ctx context.Context, t *Task)

	// OnAllTerminal is called exactly once, when every member is terminal.
	OnAllTerminal(ctx context.Context, b *Batch) *BatchResult
}

// listStrategy hands every completed artifact to the caller as it finishes.
type listStrategy struct {
	a *Aggregator
}

func (s listStrategy) OnTaskTerminal(ctx context.Context, t *Task) {
	if t.Status != StatusCompleted {
		return
	}
	data, err := t.Assemble()
	if err != nil {
		s.a.log.Error("assemble artifact", "task", t.ID, "err", err)
		s.a.emit(Event{Type: EventError, TaskID: t.ID, BatchID: t.BatchID, Payload: newErrorPayload(err, false)})
		return
	}
	if s.a.output != nil {
		if err := s.a.output.Write(ctx, t.TargetPath, data, t.ContentType); err != nil {
			s.a.log.Error("write artifact", "task", t.ID, "path", t.TargetPath, "err", err)
			s.a.emit(Event{Type: EventError, TaskID: t.ID, BatchID: t.BatchID, Payload: newErrorPayload(err, false)})
		}
	}
	s.a.emit(Event{Type: EventComplete, TaskID: t.ID, BatchID: t.BatchID, Payload: ArtifactPayload{
		TargetPath:  t.TargetPath,
		ContentType: t.ContentType,
		Size:        int64(len(data)),
		Data:        data,
	}})
}

func (s listStrategy) OnAllTerminal(ctx context.Context, b *Batch) *BatchResult {
	return &BatchResult{BatchID: b.ID}
}

// archiveStrategy bundles every completed member once the batch is terminal.
type archiveStrategy struct {
	a *Aggregator
}

func (s archiveStrategy) OnTaskTerminal(ctx context.Context, t *Task) {
	if t.Status != StatusCompleted {
		return
	}
	s.a.emit(Event{Type: EventComplete, TaskID: t.ID, BatchID: t.BatchID, Payload: ArtifactPayload{
		TargetPath:  t.TargetPath,
		ContentType: t.ContentType,
		Size:        t.DownloadedBytes,
	}})
}

func (s archiveStrategy) OnAllTerminal(ctx context.Context, b *Batch) *BatchResult {
	return s.a.assemble(ctx, b)
}

// assemble writes completed members into one archive. Member statuses are
// never changed by an assembly failure.
func (a *Aggregator) assemble(ctx context.Context, b *Batch) *BatchResult {
	res := &BatchResult{BatchID: b.ID}
	var completed []string
	for _, m := range b.Members {
		if m.Status == StatusCompleted {
			completed = append(completed, m.TaskID)
		}
	}
	if len(completed) == 0 {
		a.log.Info("no completed members, skipping archive", "batch", b.ID)
		return res
	}
	if b.Options.AllOrNothing && len(completed) != len(b.Members) {
		res.Err = fmt.Errorf("%w: %d of %d completed", ErrIncompleteBatch, len(completed), len(b.Members))
		a.emit(Event{Type: EventArchiveFailed, BatchID: b.ID, Payload: newErrorPayload(res.Err, true)})
		return res
	}

	a.emit(Event{Type: EventArchiving, BatchID: b.ID})
	fail := func(err error) *BatchResult {
		a.log.Error("archive assembly failed", "batch", b.ID, "err", err)
		res.Err = err
		a.emit(Event{Type: EventArchiveFailed, BatchID: b.ID, Payload: newErrorPayload(err, true)})
		return res
	}

	w := a.newArchive()
	entries := make([]string, 0, len(completed))
	tasks := make([]*Task, 0, len(completed))
	for _, id := range completed {
		t, err := a.ts.GetTask(ctx, id)
		if err != nil {
			return fail(&TaskError{TaskID: id, Err: err})
		}
		tasks = append(tasks, t)
		data, err := t.Assemble()
		if err != nil {
			return fail(&TaskError{TaskID: id, Err: err})
		}
		if err := w.AppendEntry(t.TargetPath, data); err != nil {
			return fail(&TaskError{TaskID: id, Err: err})
		}
		entries = append(entries, t.TargetPath)
	}
	out, err := w.Finalize()
	if err != nil {
		return fail(err)
	}
	ar := &ArchiveResult{
		Name:    b.Options.ArchiveName,
		Entries: entries,
		Size:    int64(len(out)),
		Data:    out,
	}
	if a.output != nil {
		if err := a.output.Write(ctx, ar.Name, out, "application/zip"); err != nil {
			return fail(err)
		}
	}
	res.Archive = ar
	a.log.Info("archive written", "batch", b.ID, "name", ar.Name, "entries", len(entries), "bytes", ar.Size)
	a.emit(Event{Type: EventArchived, BatchID: b.ID, Payload: ar})

	if b.Options.Purge {
		a.purge(ctx, b, tasks)
	}
	return res
}

// purge drops the records of archived tasks. When every member went into
// the archive nothing is left to inspect, so the batch record goes too.
func (a *Aggregator) purge(ctx context.Context, b *Batch, archived []*Task) {
	all := len(archived) == len(b.Members)
	for _, t := range archived {
		var err error
		if all {
			err = a.ts.DeleteTask(ctx, t)
		} else {
			err = a.ts.PurgeTask(ctx, t)
		}
		if err != nil {
			a.log.Warn("purge task record", "task", t.ID, "err", err)
		}
	}
	if !all {
		return
	}
	if err := a.ts.DeleteBatch(ctx, b.ID); err != nil {
		a.log.Warn("purge batch record", "batch", b.ID, "err", err)
		return
	}
	a.log.Debug("batch purged", "batch", b.ID)
}

func newErrorPayload(err error, final bool) ErrorPayload {
	return ErrorPayload{Kind: errorKind(err), Message: err.Error(), Final: final, Err: err}
}

func strategyFor(a *Aggregator, opts Options) Strategy {
	if opts.archiveMode() {
		return archiveStrategy{a: a}
	}
	return listStrategy{a: a}
}
