// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import (
	"context"
	"errors"
	"sync"

	"github.com/charmbracelet/log"
)

// Aggregator tracks batch membership and fires the batch strategy once
// every member is terminal.
type Aggregator struct {
	ts         *TaskStore
	emit       func(Event)
	log        *log.Logger
	newArchive func() ArchiveWriter
	output     Output

	// settled reports whether no worker still owns the task. Terminal
	// statuses read back from the store are only trusted for settled tasks.
	settled func(id string) bool

	mu      sync.Mutex
	batches map[string]*batchState
}

type batchState struct {
	batch    *Batch
	strategy Strategy
	reported map[string]bool
	expected map[string]bool
	done     chan struct{}
	result   *BatchResult
}

func newAggregator(ts *TaskStore, emit func(Event), logger *log.Logger, newArchive func() ArchiveWriter, output Output, settled func(string) bool) *Aggregator {
	return &Aggregator{
		ts:         ts,
		emit:       emit,
		log:        logger,
		newArchive: newArchive,
		output:     output,
		settled:    settled,
		batches:    make(map[string]*batchState),
	}
}

// Register starts tracking b. Registering an already tracked batch is a no-op.
func (a *Aggregator) Register(b *Batch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.batches[b.ID]; ok {
		return
	}
	st := &batchState{
		batch:    b,
		strategy: strategyFor(a, b.Options),
		reported: make(map[string]bool),
		expected: make(map[string]bool),
		done:     make(chan struct{}),
	}
	if b.IsComplete {
		st.result = a.summarize(b, &BatchResult{BatchID: b.ID})
		close(st.done)
	}
	a.batches[b.ID] = st
}

// Expect announces that a TaskTerminal report for the task will follow.
// Until it arrives the batch cannot complete, even if the status table
// already shows the task as terminal.
func (a *Aggregator) Expect(batchID, taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.batches[batchID]; ok && !st.reported[taskID] {
		st.expected[taskID] = true
	}
}

// TaskTerminal records a terminal task. Repeated reports for the same task are ignored.
func (a *Aggregator) TaskTerminal(ctx context.Context, t *Task) {
	a.mu.Lock()
	st, ok := a.batches[t.BatchID]
	if !ok {
		a.mu.Unlock()
		a.log.Warn("terminal task for unknown batch", "task", t.ID, "batch", t.BatchID)
		return
	}
	delete(st.expected, t.ID)
	if st.reported[t.ID] || st.batch.IsComplete {
		a.mu.Unlock()
		return
	}
	st.reported[t.ID] = true
	setMemberStatus(st.batch, t.ID, t.Status)
	a.mu.Unlock()

	st.strategy.OnTaskTerminal(ctx, t)
	a.check(ctx, st)
}

// Remove drops a rejected task from its batch.
func (a *Aggregator) Remove(ctx context.Context, batchID, taskID string) {
	a.mu.Lock()
	st, ok := a.batches[batchID]
	if !ok || st.batch.IsComplete {
		a.mu.Unlock()
		return
	}
	members := st.batch.Members[:0]
	for _, m := range st.batch.Members {
		if m.TaskID != taskID {
			members = append(members, m)
		}
	}
	st.batch.Members = members
	snapshot := cloneBatch(st.batch)
	a.mu.Unlock()

	if err := a.ts.PutBatch(ctx, snapshot); err != nil {
		a.log.Error("persist batch", "batch", batchID, "err", err)
	}
	a.check(ctx, st)
}

// Check re-evaluates completion of a batch, for example after recovery.
func (a *Aggregator) Check(ctx context.Context, batchID string) {
	a.mu.Lock()
	st, ok := a.batches[batchID]
	a.mu.Unlock()
	if ok {
		a.check(ctx, st)
	}
}

// check fires OnAllTerminal once every member is terminal. Members without
// a report are looked up in the status table.
func (a *Aggregator) check(ctx context.Context, st *batchState) {
	a.mu.Lock()
	if st.batch.IsComplete {
		a.mu.Unlock()
		return
	}
	var unknown []string
	for _, m := range st.batch.Members {
		if st.expected[m.TaskID] {
			a.mu.Unlock()
			return
		}
		if !m.Status.Terminal() {
			unknown = append(unknown, m.TaskID)
		}
	}
	a.mu.Unlock()

	found := make(map[string]Status, len(unknown))
	for _, id := range unknown {
		if a.settled != nil && !a.settled(id) {
			return
		}
		rec, err := a.ts.GetStatus(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				a.log.Error("read member status", "task", id, "err", err)
			}
			return
		}
		if !rec.Status.Terminal() {
			return
		}
		found[id] = rec.Status
	}

	a.mu.Lock()
	if st.batch.IsComplete {
		a.mu.Unlock()
		return
	}
	for id, s := range found {
		setMemberStatus(st.batch, id, s)
	}
	for _, m := range st.batch.Members {
		if !m.Status.Terminal() {
			a.mu.Unlock()
			return
		}
	}
	st.batch.IsComplete = true
	snapshot := cloneBatch(st.batch)
	a.mu.Unlock()

	if err := a.ts.PutBatch(ctx, snapshot); err != nil {
		a.log.Error("persist batch", "batch", snapshot.ID, "err", err)
	}
	a.log.Info("batch terminal", "batch", snapshot.ID, "members", len(snapshot.Members))

	res := st.strategy.OnAllTerminal(ctx, snapshot)
	res = a.summarize(snapshot, res)

	a.mu.Lock()
	st.result = res
	close(st.done)
	a.mu.Unlock()

	a.emit(Event{Type: EventBatchComplete, BatchID: snapshot.ID, Payload: res})
}

func (a *Aggregator) summarize(b *Batch, res *BatchResult) *BatchResult {
	for _, m := range b.Members {
		switch m.Status {
		case StatusCompleted:
			res.Completed = append(res.Completed, m.TaskID)
		case StatusFailed:
			res.Failed = append(res.Failed, m.TaskID)
		case StatusCancelled:
			res.Cancelled = append(res.Cancelled, m.TaskID)
		}
	}
	return res
}

// Done returns a channel closed when the batch strategy has run.
func (a *Aggregator) Done(batchID string) (<-chan struct{}, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.batches[batchID]
	if !ok {
		return nil, false
	}
	return st.done, true
}

// Result returns the batch result, or nil while the batch is still running.
func (a *Aggregator) Result(batchID string) *BatchResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.batches[batchID]; ok {
		return st.result
	}
	return nil
}

// Batch returns a snapshot of a tracked batch.
func (a *Aggregator) Batch(batchID string) (*Batch, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.batches[batchID]
	if !ok {
		return nil, false
	}
	return cloneBatch(st.batch), true
}

// Batches lists the IDs of tracked batches.
func (a *Aggregator) Batches() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.batches))
	for id := range a.batches {
		ids = append(ids, id)
	}
	return ids
}

func setMemberStatus(b *Batch, id string, s Status) {
	for i := range b.Members {
		if b.Members[i].TaskID == id {
			b.Members[i].Status = s
			return
		}
	}
}

func cloneBatch(b *Batch) *Batch {
	c := *b
	c.Members = append([]BatchMember(nil), b.Members...)
	return &c
}
