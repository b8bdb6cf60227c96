// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import (
	"context"
	"fmt"
	"sync"
)

// statusBoard serializes read-check-write cycles on status records so a
// worker can never silently overwrite a pause or cancel written by a command.
type statusBoard struct {
	ts *TaskStore
	mu sync.Mutex
}

func newStatusBoard(ts *TaskStore) *statusBoard {
	return &statusBoard{ts: ts}
}

func (b *statusBoard) Get(ctx context.Context, id string) (Status, error) {
	rec, err := b.ts.GetStatus(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// Transition moves the task to `to` if the transition table allows it.
// Moving to the current status is a no-op reported with changed == false.
func (b *statusBoard) Transition(ctx context.Context, id string, to Status) (from Status, changed bool, err error) {
	return b.TransitionFrom(ctx, id, nil, to)
}

// TransitionFrom is Transition restricted to a set of allowed source statuses.
// A nil set allows every source the transition table allows.
func (b *statusBoard) TransitionFrom(ctx context.Context, id string, allowed []Status, to Status) (from Status, changed bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.ts.GetStatus(ctx, id)
	if err != nil {
		return "", false, err
	}
	from = rec.Status
	if from == to {
		return from, false, nil
	}
	if allowed != nil && !containsStatus(allowed, from) {
		return from, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !CanTransition(from, to) {
		return from, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if err := b.ts.PutStatus(ctx, id, to); err != nil {
		return from, false, err
	}
	return from, true, nil
}

// Force writes a status without consulting the transition table.
// It is used for recovery and for the late-pause override at completion.
func (b *statusBoard) Force(ctx context.Context, id string, to Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ts.PutStatus(ctx, id, to)
}

func containsStatus(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
