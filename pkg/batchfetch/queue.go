// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import "sync"

// taskQueue is a FIFO of task IDs. Pop is atomic: it either yields the head
// or reports the queue empty.
type taskQueue struct {
	mu    sync.Mutex
	items []string
}

func (q *taskQueue) Push(ids ...string) {
	q.mu.Lock()
	q.items = append(q.items, ids...)
	q.mu.Unlock()
}

func (q *taskQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return id, true
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
