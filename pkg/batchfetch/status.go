// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending         Status = "pending"
	StatusDownloading     Status = "downloading"
	StatusPaused          Status = "paused"
	StatusResumeRequested Status = "resume_requested"
	StatusRetryPending    Status = "retry_pending"
	StatusFailed          Status = "failed"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether no further automatic transitions happen from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok || s.Terminal()
}

var transitions = map[Status][]Status{
	StatusPending:         {StatusDownloading, StatusPaused},
	StatusDownloading:     {StatusCompleted, StatusRetryPending, StatusPaused},
	StatusRetryPending:    {StatusDownloading, StatusFailed, StatusPaused},
	StatusPaused:          {StatusResumeRequested},
	StatusResumeRequested: {StatusDownloading, StatusPaused},
}

// CanTransition reports whether a task may move from one status to another.
// Every non-terminal status may move to cancelled. Terminal statuses never move.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
