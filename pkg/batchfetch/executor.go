// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
)

// attemptResult is how one transfer attempt ended when it did not fail.
type attemptResult int

const (
	attemptCompleted attemptResult = iota
	attemptPaused
	attemptCancelled
	attemptRestart     // resume was requested mid-stream; re-enter without counting a retry
	attemptInterrupted // orchestrator shutdown; leave the task for Recover
	attemptFailed
)

func (r attemptResult) String() string {
	switch r {
	case attemptCompleted:
		return "completed"
	case attemptPaused:
		return "paused"
	case attemptCancelled:
		return "cancelled"
	case attemptRestart:
		return "restart"
	case attemptInterrupted:
		return "interrupted"
	case attemptFailed:
		return "failed"
	}
	return "unknown"
}

type executorConfig struct {
	StatusInterval     time.Duration
	CheckpointInterval time.Duration
	CheckpointChunks   int
	ReadSize           int
}

// executor streams a single task from the transport into checkpointed chunks.
type executor struct {
	ts        *TaskStore
	board     *statusBoard
	transport Transport
	emit      func(Event)
	log       *log.Logger
	cfg       executorConfig
	now       func() time.Time
}

// run performs one attempt. It returns a non-nil error only for failures:
// *TransportError for recoverable ones and *PersistenceError for a store
// that can no longer be written. The task record is updated in place.
func (e *executor) run(ctx context.Context, t *Task) (attemptResult, error) {
	persist := context.WithoutCancel(ctx)
	start := t.DownloadedBytes

	resp, err := e.transport.Fetch(ctx, FetchRequest{URL: t.URL, RangeStart: start})
	if err != nil {
		if res, ok := interruption(ctx); ok {
			return res, nil
		}
		var te *TransportError
		if !errors.As(err, &te) {
			err = &TransportError{URL: t.URL, Err: err}
		}
		return 0, err
	}
	body := resp.Body
	defer body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if start > 0 {
			e.log.Warn("server ignored range request, restarting from zero", "task", t.ID, "offset", start)
			t.resetChunks()
			start = 0
		}
	case http.StatusPartialContent:
	default:
		return 0, &TransportError{URL: t.URL, StatusCode: resp.StatusCode}
	}

	if resp.ContentLength >= 0 && (t.TotalBytes <= 0 || resp.StatusCode == http.StatusOK) {
		t.TotalBytes = start + resp.ContentLength
	}
	if resp.ContentType != "" {
		t.ContentType = resp.ContentType
	}

	var (
		buf        = make([]byte, e.cfg.ReadSize)
		pending    []Chunk
		downloaded = t.DownloadedBytes
		lastSave   = e.now()
		lastCheck  = e.now()
	)
	flush := func() error {
		if err := e.checkpoint(persist, t, pending); err != nil {
			return err
		}
		pending = nil
		lastSave = e.now()
		return nil
	}

	for {
		if e.now().Sub(lastCheck) >= e.cfg.StatusInterval {
			lastCheck = e.now()
			res, stop, err := e.observe(persist, t.ID)
			if err != nil {
				return 0, err
			}
			if stop {
				if res == attemptCancelled {
					return res, nil
				}
				if err := flush(); err != nil {
					return 0, err
				}
				if res == attemptRestart {
					if _, _, err := e.board.TransitionFrom(persist, t.ID, []Status{StatusResumeRequested}, StatusDownloading); err != nil {
						return 0, err
					}
				}
				return res, nil
			}
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			pending = append(pending, Chunk{Offset: downloaded, Data: append([]byte(nil), buf[:n]...)})
			downloaded += int64(n)
			e.emit(Event{Type: EventProgress, TaskID: t.ID, BatchID: t.BatchID, Payload: ProgressPayload{
				Downloaded: downloaded,
				Total:      t.TotalBytes,
				Percent:    progressPercent(downloaded, t.TotalBytes),
			}})
			if len(pending) >= e.cfg.CheckpointChunks || e.now().Sub(lastSave) >= e.cfg.CheckpointInterval {
				if err := flush(); err != nil {
					return 0, err
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			res, interrupted := interruption(ctx)
			if interrupted && res == attemptCancelled {
				return res, nil
			}
			if err := flush(); err != nil {
				return 0, err
			}
			if interrupted {
				return res, nil
			}
			return 0, &TransportError{URL: t.URL, Err: rerr}
		}
	}

	if err := flush(); err != nil {
		return 0, err
	}
	if t.TotalBytes > 0 && t.DownloadedBytes != t.TotalBytes {
		return 0, &TransportError{URL: t.URL, Err: fmt.Errorf("%w: got %d of %d bytes", io.ErrUnexpectedEOF, t.DownloadedBytes, t.TotalBytes)}
	}
	t.TotalBytes = t.DownloadedBytes
	return attemptCompleted, nil
}

// checkpoint appends pending chunks to the task and persists the record.
// On failure the in-memory task is left as it was.
func (e *executor) checkpoint(ctx context.Context, t *Task, pending []Chunk) error {
	if len(pending) == 0 {
		return nil
	}
	var n int64
	for _, c := range pending {
		n += int64(len(c.Data))
	}
	prevLen, prevBytes := len(t.Chunks), t.DownloadedBytes
	t.Chunks = append(t.Chunks, pending...)
	t.DownloadedBytes += n
	if err := e.ts.PutTask(ctx, t); err != nil {
		t.Chunks = t.Chunks[:prevLen]
		t.DownloadedBytes = prevBytes
		return err
	}
	e.log.Debug("checkpoint", "task", t.ID, "chunks", len(t.Chunks), "bytes", t.DownloadedBytes)
	return nil
}

// observe polls the status record for control signals written by commands.
func (e *executor) observe(ctx context.Context, id string) (attemptResult, bool, error) {
	st, err := e.board.Get(ctx, id)
	if err != nil {
		return 0, false, err
	}
	switch st {
	case StatusPaused:
		return attemptPaused, true, nil
	case StatusCancelled:
		return attemptCancelled, true, nil
	case StatusResumeRequested:
		return attemptRestart, true, nil
	}
	return 0, false, nil
}

// interruption maps a cancelled task context to an attempt result.
func interruption(ctx context.Context) (attemptResult, bool) {
	if ctx.Err() == nil {
		return 0, false
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrPaused):
		return attemptPaused, true
	case errors.Is(cause, ErrCancelled):
		return attemptCancelled, true
	}
	return attemptInterrupted, true
}
