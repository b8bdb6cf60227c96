// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// pool runs the tasks of one batch with at most opts.MaxConcurrent workers.
// A worker pulls from the queue until it finds it empty, then exits.
type pool struct {
	batchID string
	opts    Options
	run     func(p *pool, id string)

	queue  taskQueue
	mu     sync.Mutex
	active int
	g      errgroup.Group
}

func newPool(batchID string, opts Options, run func(*pool, string)) *pool {
	p := &pool{batchID: batchID, opts: opts, run: run}
	p.g.SetLimit(opts.MaxConcurrent)
	return p
}

// Start queues ids and spawns workers up to the concurrency limit.
func (p *pool) Start(ids []string) {
	p.queue.Push(ids...)
	p.mu.Lock()
	defer p.mu.Unlock()
	n := min(p.opts.MaxConcurrent-p.active, p.queue.Len())
	for range n {
		p.spawnLocked()
	}
}

// Enqueue appends a resumed task. If every worker has already exited a
// single dedicated worker is spawned for it.
func (p *pool) Enqueue(id string) {
	p.queue.Push(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == 0 {
		p.spawnLocked()
	}
}

func (p *pool) spawnLocked() {
	p.active++
	p.g.Go(func() error {
		p.work()
		return nil
	})
}

func (p *pool) work() {
	for {
		p.mu.Lock()
		id, ok := p.queue.Pop()
		if !ok {
			p.active--
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		p.run(p, id)
	}
}

// Active returns the number of live workers.
func (p *pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Wait joins every worker spawned so far.
func (p *pool) Wait() {
	_ = p.g.Wait()
}

// scheduler owns one pool per batch.
type scheduler struct {
	mu    sync.Mutex
	pools map[string]*pool
	run   func(*pool, string)
}

func newScheduler(run func(*pool, string)) *scheduler {
	return &scheduler{pools: make(map[string]*pool), run: run}
}

func (s *scheduler) pool(batchID string, opts Options) *pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[batchID]
	if !ok {
		p = newPool(batchID, opts, s.run)
		s.pools[batchID] = p
	}
	return p
}

// Start creates the batch pool if needed and queues ids on it.
func (s *scheduler) Start(batchID string, opts Options, ids []string) {
	s.pool(batchID, opts).Start(ids)
}

// Enqueue re-queues a single task on its batch pool.
func (s *scheduler) Enqueue(batchID string, opts Options, id string) {
	s.pool(batchID, opts).Enqueue(id)
}

// Wait joins the workers of every pool.
func (s *scheduler) Wait() {
	s.mu.Lock()
	pools := make([]*pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()
	for _, p := range pools {
		p.Wait()
	}
}
