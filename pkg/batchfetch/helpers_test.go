// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeResource is one URL served by fakeTransport.
type fakeResource struct {
	data []byte

	// failures is how many fetches answer 503 before the resource works.
	failures int

	// ignoreRange makes the server answer 200 with the full body.
	ignoreRange bool

	// unknownLength hides Content-Length.
	unknownLength bool

	// truncate makes the server close the body early on the first n fetches.
	truncate int

	// gate blocks reads at gateAt bytes until the channel is closed.
	gate   chan struct{}
	gateAt int64

	// delay is slept before every read.
	delay time.Duration
}

type fakeTransport struct {
	mu          sync.Mutex
	resources   map[string]*fakeResource
	calls       map[string][]FetchRequest
	inflight    int
	maxInflight int
	chunk       int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		resources: make(map[string]*fakeResource),
		calls:     make(map[string][]FetchRequest),
		chunk:     10,
	}
}

func (f *fakeTransport) add(url string, r *fakeResource) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[url] = r
	return url
}

func (f *fakeTransport) Calls(url string) []FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FetchRequest(nil), f.calls[url]...)
}

func (f *fakeTransport) MaxInflight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight
}

func (f *fakeTransport) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL] = append(f.calls[req.URL], req)
	r, ok := f.resources[req.URL]
	if !ok {
		return &FetchResponse{StatusCode: http.StatusNotFound, ContentLength: 0, Body: io.NopCloser(bytes.NewReader(nil))}, nil
	}
	if r.failures > 0 {
		r.failures--
		return &FetchResponse{StatusCode: http.StatusServiceUnavailable, ContentLength: 0, Body: io.NopCloser(bytes.NewReader(nil))}, nil
	}

	start := req.RangeStart
	status := http.StatusPartialContent
	if start == 0 || r.ignoreRange {
		start = 0
		status = http.StatusOK
	}
	end := int64(len(r.data))
	length := end - start
	if r.truncate > 0 {
		r.truncate--
		end = start + length/2
	}
	if r.unknownLength {
		length = -1
	}

	f.inflight++
	f.maxInflight = max(f.maxInflight, f.inflight)
	return &FetchResponse{
		StatusCode:    status,
		ContentLength: length,
		ContentType:   "application/octet-stream",
		Body: &fakeBody{
			ctx:   ctx,
			res:   r,
			pos:   start,
			end:   end,
			chunk: f.chunk,
			done: func() {
				f.mu.Lock()
				f.inflight--
				f.mu.Unlock()
			},
		},
	}, nil
}

type fakeBody struct {
	ctx   context.Context
	res   *fakeResource
	pos   int64
	end   int64
	chunk int
	done  func()
	once  sync.Once
}

func (b *fakeBody) Read(p []byte) (int, error) {
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	if b.res.delay > 0 {
		select {
		case <-time.After(b.res.delay):
		case <-b.ctx.Done():
			return 0, b.ctx.Err()
		}
	}
	if b.res.gate != nil && b.pos >= b.res.gateAt {
		select {
		case <-b.res.gate:
		case <-b.ctx.Done():
			return 0, b.ctx.Err()
		}
	}
	if b.pos >= b.end {
		if b.end < int64(len(b.res.data)) {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, io.EOF
	}
	n := min(len(p), b.chunk, int(b.end-b.pos))
	if b.res.gate != nil && b.pos < b.res.gateAt {
		n = min(n, int(b.res.gateAt-b.pos))
	}
	copy(p, b.res.data[b.pos:b.pos+int64(n)])
	b.pos += int64(n)
	return n, nil
}

func (b *fakeBody) Close() error {
	b.once.Do(b.done)
	return nil
}

// flakyStore fails task record writes while failTasks is set.
type flakyStore struct {
	*MemoryStore
	failTasks atomic.Bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: NewMemoryStore()}
}

func (s *flakyStore) Put(ctx context.Context, table, key string, value []byte) error {
	if table == TableTasks && s.failTasks.Load() {
		return errors.New("disk full")
	}
	return s.MemoryStore.Put(ctx, table, key, value)
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func testConfig(tr Transport, rec *Recorder) Config {
	cfg := Config{
		Transport:          tr,
		StatusInterval:     5 * time.Millisecond,
		CheckpointInterval: time.Second,
		CheckpointChunks:   1,
		ReadSize:           10,
	}
	if rec != nil {
		cfg.Sink = rec
	}
	return cfg
}

func fastOptions() Options {
	return Options{
		MaxConcurrent: 2,
		WaitTime:      time.Millisecond,
		BackoffMax:    5 * time.Millisecond,
	}
}

func newTestOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	o := New(cfg)
	t.Cleanup(func() { o.Close() })
	return o
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitBatch(t *testing.T, o *Orchestrator, batchID string) *BatchResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := o.Wait(ctx, batchID)
	if res == nil {
		t.Fatalf("Wait(%s): %v", batchID, err)
	}
	return res
}

func downloaded(o *Orchestrator, id string) int64 {
	task, err := o.Task(context.Background(), id)
	if err != nil {
		return -1
	}
	return task.DownloadedBytes
}

func statusOf(o *Orchestrator, id string) Status {
	rec, err := o.Status(context.Background(), id)
	if err != nil {
		return ""
	}
	return rec.Status
}

func testURL(name string) string {
	return fmt.Sprintf("https://files.example.com/%s", name)
}
