// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import (
	"context"
	"sync"
)

// handleRegistry maps a task to the cancel function of its in-flight transfer.
// At most one handle exists per task.
type handleRegistry struct {
	mu      sync.Mutex
	handles map[string]context.CancelCauseFunc
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{handles: make(map[string]context.CancelCauseFunc)}
}

// Register records cancel as the handle for id.
func (r *handleRegistry) Register(id string, cancel context.CancelCauseFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[id]; ok {
		return ErrAlreadyActive
	}
	r.handles[id] = cancel
	return nil
}

// Replace swaps the handle of an active task, used when a worker restarts in place.
func (r *handleRegistry) Replace(id string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[id] = cancel
}

// Release drops the handle for id.
func (r *handleRegistry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}

// Signal cancels the transfer of id with cause and reports whether one was active.
func (r *handleRegistry) Signal(id string, cause error) bool {
	r.mu.Lock()
	cancel, ok := r.handles[id]
	r.mu.Unlock()
	if ok {
		cancel(cause)
	}
	return ok
}

func (r *handleRegistry) Active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[id]
	return ok
}

func (r *handleRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
