// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import (
	"context"
	"errors"
	"time"
)

// process takes one dequeued task through validation, claim, transfer and
// settlement. It runs on a pool worker goroutine.
func (o *Orchestrator) process(p *pool, id string) {
	ctx := o.ctx
	if ctx.Err() != nil {
		return
	}
	st, err := o.board.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		o.log.Debug("skipping removed task", "task", id)
		return
	}
	if err != nil {
		o.strand(ctx, &Task{ID: id, BatchID: p.batchID}, err)
		return
	}
	if st == StatusPaused || st.Terminal() {
		o.log.Debug("skipping task", "task", id, "status", st)
		return
	}

	t, err := o.ts.GetTask(ctx, id)
	if err != nil {
		o.strand(ctx, &Task{ID: id, BatchID: p.batchID}, err)
		return
	}
	if err := validateTask(t); err != nil {
		o.reject(ctx, t, err)
		return
	}

	taskCtx, t, ok := o.claim(ctx, id, p.opts)
	if !ok {
		return
	}
	for {
		res, err := o.attempt(taskCtx, t, p.opts)
		next, terminal := o.settle(ctx, t, p.opts, res, err)
		if terminal {
			o.agg.TaskTerminal(context.WithoutCancel(ctx), t)
		}
		if next == nil {
			return
		}
		taskCtx = next
	}
}

func validateTask(t *Task) error {
	if t.ID == "" {
		return &TaskError{Err: ErrInvalidInput}
	}
	if err := ValidateURL(t.URL); err != nil {
		return &TaskError{TaskID: t.ID, Err: err}
	}
	return nil
}

// reject removes an invalid task before it ever enters the state machine.
func (o *Orchestrator) reject(ctx context.Context, t *Task, err error) {
	o.log.Warn("rejecting task", "task", t.ID, "url", RedactURL(t.URL), "err", err)
	o.emit(Event{Type: EventError, TaskID: t.ID, BatchID: t.BatchID, Payload: newErrorPayload(err, true)})
	if derr := o.ts.DeleteTask(ctx, t); derr != nil {
		o.log.Error("delete rejected task", "task", t.ID, "err", derr)
	}
	o.agg.Remove(ctx, t.BatchID, t.ID)
}

// claim makes the calling worker the single owner of a task.
func (o *Orchestrator) claim(ctx context.Context, id string, opts Options) (context.Context, *Task, bool) {
	o.ctl.Lock()
	defer o.ctl.Unlock()

	taskCtx, cancel := context.WithCancelCause(ctx)
	if err := o.handles.Register(id, cancel); err != nil {
		cancel(nil)
		o.log.Debug("task already owned", "task", id)
		return nil, nil, false
	}
	from, _, err := o.board.TransitionFrom(ctx, id, []Status{StatusPending, StatusResumeRequested}, StatusDownloading)
	if err != nil {
		o.handles.Release(id)
		cancel(nil)
		o.log.Debug("task not claimable", "task", id, "err", err)
		return nil, nil, false
	}
	t, err := o.ts.GetTask(ctx, id)
	if err != nil {
		o.handles.Release(id)
		cancel(nil)
		o.strand(ctx, &Task{ID: id}, err)
		return nil, nil, false
	}
	if from == StatusResumeRequested && opts.ResumeMode == ResumeRestart {
		t.resetChunks()
	}
	if err := o.markDownloading(ctx, t); err != nil {
		o.handles.Release(id)
		cancel(nil)
		o.strand(ctx, t, err)
		return nil, nil, false
	}
	return taskCtx, t, true
}

func (o *Orchestrator) markDownloading(ctx context.Context, t *Task) error {
	now := o.now()
	t.Status = StatusDownloading
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	if err := o.ts.PutTask(ctx, t); err != nil {
		return err
	}
	o.log.Debug("task started", "task", t.ID, "offset", t.DownloadedBytes)
	o.emit(Event{Type: EventStarted, TaskID: t.ID, BatchID: t.BatchID, Payload: ProgressPayload{
		Downloaded: t.DownloadedBytes,
		Total:      t.TotalBytes,
		Percent:    progressPercent(t.DownloadedBytes, t.TotalBytes),
	}})
	return nil
}

// attempt drives the executor under the retry policy of the batch.
func (o *Orchestrator) attempt(ctx context.Context, t *Task, opts Options) (attemptResult, error) {
	persist := context.WithoutCancel(ctx)
	var result attemptResult

	op := func(ctx context.Context) error {
		for {
			res, err := o.exec.run(ctx, t)
			if err != nil {
				return err
			}
			if res == attemptRestart {
				if opts.ResumeMode == ResumeRestart {
					t.resetChunks()
					if err := o.ts.PutTask(persist, t); err != nil {
						return err
					}
				}
				o.log.Debug("resume observed mid-stream", "task", t.ID, "offset", t.DownloadedBytes)
				continue
			}
			result = res
			return nil
		}
	}

	hooks := retryHooks{
		OnRetry: func(attempt int, delay time.Duration, err error) error {
			t.RetryCount = attempt
			t.LastError = err.Error()
			if _, _, cerr := o.board.TransitionFrom(persist, t.ID, []Status{StatusDownloading}, StatusRetryPending); cerr != nil {
				return o.signalFromStatus(persist, t.ID, cerr)
			}
			t.Status = StatusRetryPending
			if perr := o.ts.PutTask(persist, t); perr != nil {
				return perr
			}
			o.log.Warn("retrying", "task", t.ID, "attempt", attempt, "delay", delay, "err", err)
			o.emit(Event{Type: EventRetry, TaskID: t.ID, BatchID: t.BatchID, Payload: RetryPayload{
				Attempt: attempt,
				Delay:   delay,
				Error:   err.Error(),
			}})
			return nil
		},
		Wait: func(ctx context.Context, d time.Duration) error {
			if err := o.waitRetry(ctx, t.ID, d); err != nil {
				return err
			}
			if _, _, cerr := o.board.TransitionFrom(persist, t.ID, []Status{StatusRetryPending}, StatusDownloading); cerr != nil {
				return o.signalFromStatus(persist, t.ID, cerr)
			}
			t.Status = StatusDownloading
			return nil
		},
	}
	policy := retryPolicy{
		MaxAttempts: opts.MaxRetries,
		Used:        t.RetryCount,
		Base:        opts.WaitTime,
		Max:         opts.BackoffMax,
		Jitter:      o.cfg.RetryJitter,
	}

	err := retryWithBackoff(ctx, policy, hooks, op)
	var re *RetryExhaustedError
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, ErrPaused):
		return attemptPaused, nil
	case errors.Is(err, ErrCancelled):
		return attemptCancelled, nil
	case errors.As(err, &re):
		t.RetryCount = re.Attempts
		t.LastError = re.Err.Error()
		return attemptFailed, err
	}
	if res, ok := interruption(ctx); ok {
		return res, nil
	}
	return 0, err
}

// waitRetry sleeps for d while watching the status record for commands.
func (o *Orchestrator) waitRetry(ctx context.Context, id string, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(o.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-timer.C:
			return nil
		case <-ticker.C:
			st, err := o.board.Get(ctx, id)
			if err != nil {
				return err
			}
			if sig := statusSignal(st); sig != nil {
				return sig
			}
		}
	}
}

// signalFromStatus explains a failed worker transition by the command that caused it.
func (o *Orchestrator) signalFromStatus(ctx context.Context, id string, cause error) error {
	st, err := o.board.Get(ctx, id)
	if err != nil {
		return err
	}
	if sig := statusSignal(st); sig != nil {
		return sig
	}
	return cause
}

// statusSignal maps a command-written status to the matching cause.
// A resume that lands before the pause was observed is handled as a pause
// whose settlement restarts the task in place.
func statusSignal(s Status) error {
	switch s {
	case StatusPaused, StatusResumeRequested:
		return ErrPaused
	case StatusCancelled:
		return ErrCancelled
	}
	return nil
}

// settle records the outcome of a transfer. It returns a fresh task context
// when the task restarts in place, and reports whether the task is now terminal.
// A terminal task is announced to the aggregator before the control lock is
// dropped; the caller delivers the report.
func (o *Orchestrator) settle(ctx context.Context, t *Task, opts Options, res attemptResult, err error) (context.Context, bool) {
	o.ctl.Lock()
	defer o.ctl.Unlock()
	next, terminal := o.settleLocked(ctx, t, opts, res, err)
	if terminal {
		o.agg.Expect(t.BatchID, t.ID)
	}
	return next, terminal
}

func (o *Orchestrator) settleLocked(ctx context.Context, t *Task, opts Options, res attemptResult, err error) (context.Context, bool) {
	persist := context.WithoutCancel(ctx)

	if err != nil && res != attemptFailed {
		o.handles.Release(t.ID)
		o.strand(persist, t, err)
		return nil, false
	}

	switch res {
	case attemptCompleted:
		if _, _, cerr := o.board.TransitionFrom(persist, t.ID, []Status{StatusDownloading}, StatusCompleted); cerr != nil {
			st, _ := o.board.Get(persist, t.ID)
			if st == StatusCancelled {
				o.finishCancelled(persist, t, opts)
				o.handles.Release(t.ID)
				return nil, true
			}
			o.log.Debug("completion overrides late command", "task", t.ID, "status", st)
			if ferr := o.board.Force(persist, t.ID, StatusCompleted); ferr != nil {
				o.handles.Release(t.ID)
				o.strand(persist, t, ferr)
				return nil, false
			}
		}
		now := o.now()
		t.Status = StatusCompleted
		t.LastError = ""
		t.EndedAt = &now
		if perr := o.ts.PutTask(persist, t); perr != nil {
			o.log.Error("persist completed task", "task", t.ID, "err", perr)
		}
		o.handles.Release(t.ID)
		o.log.Info("task completed", "task", t.ID, "bytes", t.DownloadedBytes)
		return nil, true

	case attemptFailed:
		if _, _, cerr := o.board.TransitionFrom(persist, t.ID, []Status{StatusDownloading}, StatusRetryPending); cerr != nil {
			if st, _ := o.board.Get(persist, t.ID); st == StatusCancelled {
				o.finishCancelled(persist, t, opts)
				o.handles.Release(t.ID)
				return nil, true
			}
		}
		if _, _, cerr := o.board.TransitionFrom(persist, t.ID, []Status{StatusRetryPending}, StatusFailed); cerr != nil {
			if st, _ := o.board.Get(persist, t.ID); st == StatusCancelled {
				o.finishCancelled(persist, t, opts)
				o.handles.Release(t.ID)
				return nil, true
			}
			_ = o.board.Force(persist, t.ID, StatusFailed)
		}
		now := o.now()
		t.Status = StatusFailed
		t.EndedAt = &now
		if perr := o.ts.PutTask(persist, t); perr != nil {
			o.log.Error("persist failed task", "task", t.ID, "err", perr)
		}
		o.handles.Release(t.ID)
		o.log.Error("task failed", "task", t.ID, "attempts", t.RetryCount, "err", err)
		o.emit(Event{Type: EventError, TaskID: t.ID, BatchID: t.BatchID, Payload: newErrorPayload(err, true)})
		return nil, true

	case attemptPaused:
		st, gerr := o.board.Get(persist, t.ID)
		if gerr != nil {
			o.handles.Release(t.ID)
			o.strand(persist, t, gerr)
			return nil, false
		}
		switch st {
		case StatusResumeRequested:
			next, cerr := o.restartInPlace(ctx, t, opts)
			if cerr != nil {
				o.handles.Release(t.ID)
				o.strand(persist, t, cerr)
				return nil, false
			}
			return next, false
		case StatusCancelled:
			o.finishCancelled(persist, t, opts)
			o.handles.Release(t.ID)
			return nil, true
		}
		t.Status = StatusPaused
		if perr := o.ts.PutTask(persist, t); perr != nil {
			o.log.Error("persist paused task", "task", t.ID, "err", perr)
		}
		o.handles.Release(t.ID)
		o.log.Info("task paused", "task", t.ID, "bytes", t.DownloadedBytes)
		o.emit(Event{Type: EventPaused, TaskID: t.ID, BatchID: t.BatchID, Payload: ProgressPayload{
			Downloaded: t.DownloadedBytes,
			Total:      t.TotalBytes,
			Percent:    progressPercent(t.DownloadedBytes, t.TotalBytes),
		}})
		return nil, false

	case attemptCancelled:
		o.finishCancelled(persist, t, opts)
		o.handles.Release(t.ID)
		return nil, true

	default:
		if perr := o.ts.PutTask(persist, t); perr != nil {
			o.log.Error("persist interrupted task", "task", t.ID, "err", perr)
		}
		o.handles.Release(t.ID)
		o.log.Info("task interrupted", "task", t.ID, "bytes", t.DownloadedBytes)
		return nil, false
	}
}

// restartInPlace keeps ownership of a task whose resume arrived before
// its pause was settled.
func (o *Orchestrator) restartInPlace(ctx context.Context, t *Task, opts Options) (context.Context, error) {
	if _, _, err := o.board.TransitionFrom(ctx, t.ID, []Status{StatusResumeRequested}, StatusDownloading); err != nil {
		return nil, err
	}
	if opts.ResumeMode == ResumeRestart {
		t.resetChunks()
	}
	t.Status = StatusDownloading
	if err := o.ts.PutTask(context.WithoutCancel(ctx), t); err != nil {
		return nil, err
	}
	taskCtx, cancel := context.WithCancelCause(ctx)
	o.handles.Replace(t.ID, cancel)
	o.log.Debug("task restarted in place", "task", t.ID, "offset", t.DownloadedBytes)
	return taskCtx, nil
}

// finishCancelled discards received bytes and records the cancel.
// The caller holds the control lock and reports the terminal task.
func (o *Orchestrator) finishCancelled(ctx context.Context, t *Task, opts Options) {
	now := o.now()
	t.dropChunks()
	t.Status = StatusCancelled
	t.EndedAt = &now
	var err error
	if opts.Purge {
		err = o.ts.PurgeTask(ctx, t)
	} else {
		err = o.ts.PutTask(ctx, t)
	}
	if err != nil {
		o.log.Error("persist cancelled task", "task", t.ID, "err", err)
	}
	o.log.Info("task cancelled", "task", t.ID)
	o.emit(Event{Type: EventCancelled, TaskID: t.ID, BatchID: t.BatchID})
}

// strand reports a task that could not be persisted. It stays in its last
// status until Resume or Recover picks it up again.
func (o *Orchestrator) strand(ctx context.Context, t *Task, err error) {
	o.log.Error("task stranded", "task", t.ID, "err", err)
	o.emit(Event{Type: EventError, TaskID: t.ID, BatchID: t.BatchID, Payload: newErrorPayload(&TaskError{TaskID: t.ID, Err: err}, false)})
}
