// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import (
	"errors"
	"fmt"
)

// Common errors returned by the library.
var (
	// ErrInvalidInput is returned for a malformed URL, a missing task ID or an empty batch.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a task, status record or batch does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status change is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyActive is returned when a second worker tries to own a task.
	ErrAlreadyActive = errors.New("task already has an active transfer")

	// ErrIncompleteBatch is returned by all-or-nothing archive assembly when a member did not complete.
	ErrIncompleteBatch = errors.New("batch has members that did not complete")

	// ErrCorruptChunks is returned when persisted chunks are out of order or overlap.
	ErrCorruptChunks = errors.New("persisted chunks are not contiguous")

	// ErrClosed is returned by an orchestrator that has been closed.
	ErrClosed = errors.New("orchestrator closed")

	// ErrPaused is the cancellation cause used when a task is paused.
	ErrPaused = errors.New("task paused")

	// ErrCancelled is the cancellation cause used when a task is cancelled.
	ErrCancelled = errors.New("task cancelled")
)

// TransportError wraps a failed fetch attempt. A nil Err with a non-zero
// StatusCode means the server answered with an unexpected status.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 && e.Err == nil {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a failed Store read or write.
type PersistenceError struct {
	Op    string
	Table string
	Key   string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s %s/%s: %v", e.Op, e.Table, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError is returned when every allowed attempt failed.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// TaskError wraps an error with task context.
type TaskError struct {
	TaskID string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether err is a transport failure worth retrying.
// Pauses, cancels, persistence failures and invalid input are not.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPaused) || errors.Is(err, ErrCancelled) {
		return false
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return false
	}
	var te *TransportError
	return errors.As(err, &te)
}

// errorKind names the error taxonomy bucket reported in error events.
func errorKind(err error) string {
	var pe *PersistenceError
	var te *TransportError
	var re *RetryExhaustedError
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.As(err, &pe):
		return "persistence"
	case errors.As(err, &re), errors.As(err, &te):
		return "transport"
	case errors.Is(err, ErrIncompleteBatch), errors.Is(err, ErrCorruptChunks):
		return "archive"
	default:
		return "unknown"
	}
}
