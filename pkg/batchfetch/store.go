// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Table names used by the orchestrator.
const (
	TableTasks   = "tasks"
	TableChunks  = "taskChunks"
	TableStatus  = "taskStatus"
	TableBatches = "batches"
)

// Record is one key/value pair in a Store table.
type Record struct {
	Key   string
	Value []byte
}

// Store is a transactional key-value store with caller-defined tables.
//
// Get returns ErrNotFound when the key does not exist. PutAll writes records
// in transactions of at most batchSize records each. Implementations must be
// safe for concurrent use.
type Store interface {
	Get(ctx context.Context, table, key string) ([]byte, error)
	Put(ctx context.Context, table, key string, value []byte) error
	PutAll(ctx context.Context, table string, records []Record, batchSize int) error
	Delete(ctx context.Context, table, key string) error
	List(ctx context.Context, table string) ([]Record, error)
}

// MemoryStore is an in-process Store. Values are copied on the way in and out.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Get(ctx context.Context, table, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.tables[table][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Put(ctx context.Context, table, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(table, key, value)
	return nil
}

func (m *MemoryStore) PutAll(ctx context.Context, table string, records []Record, batchSize int) error {
	if batchSize <= 0 {
		batchSize = len(records)
	}
	for start := 0; start < len(records); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batchSize, len(records))
		m.mu.Lock()
		for _, r := range records[start:end] {
			m.putLocked(table, r.Key, r.Value)
		}
		m.mu.Unlock()
	}
	return nil
}

func (m *MemoryStore) putLocked(table, key string, value []byte) {
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string][]byte)
		m.tables[table] = t
	}
	t[key] = append([]byte(nil), value...)
}

func (m *MemoryStore) Delete(ctx context.Context, table, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables[table], key)
	return nil
}

// List returns the table's records sorted by key.
func (m *MemoryStore) List(ctx context.Context, table string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.tables[table]))
	for k, v := range m.tables[table] {
		out = append(out, Record{Key: k, Value: append([]byte(nil), v...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// TaskStore is the typed view of a Store used by the orchestrator.
// Every failure other than a missing key is reported as a *PersistenceError.
type TaskStore struct {
	store     Store
	batchSize int
	now       func() time.Time
}

// NewTaskStore wraps s. batchSize bounds PutAll transactions.
func NewTaskStore(s Store, batchSize int) *TaskStore {
	if batchSize <= 0 {
		batchSize = defaultPutBatchSize
	}
	return &TaskStore{store: s, batchSize: batchSize, now: time.Now}
}

// GetTask loads a task record together with its stored chunks.
func (ts *TaskStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := ts.get(ctx, TableTasks, id, &t); err != nil {
		return nil, err
	}
	if t.ChunkCount > 0 {
		t.Chunks = make([]Chunk, t.ChunkCount)
	}
	for i := range t.Chunks {
		key := chunkKey(id, t.ChunkGen, i)
		if err := ts.get(ctx, TableChunks, key, &t.Chunks[i]); err != nil {
			if errors.Is(err, ErrNotFound) {
				err = &PersistenceError{Op: "get", Table: TableChunks, Key: key, Err: ErrCorruptChunks}
			}
			return nil, err
		}
	}
	t.stored = chunkRef{gen: t.ChunkGen, count: t.ChunkCount}
	return &t, nil
}

// PutTask writes the chunks added since the last successful put, then the
// task record. Chunks beyond the recorded count are never read, so a failed
// put leaves the previous state intact.
func (ts *TaskStore) PutTask(ctx context.Context, t *Task) error {
	from := 0
	if t.ChunkGen == t.stored.gen {
		from = min(t.stored.count, len(t.Chunks))
	}
	if fresh := t.Chunks[from:]; len(fresh) > 0 {
		recs := make([]Record, 0, len(fresh))
		for i, c := range fresh {
			b, err := json.Marshal(c)
			if err != nil {
				return &PersistenceError{Op: "encode", Table: TableChunks, Key: t.ID, Err: err}
			}
			recs = append(recs, Record{Key: chunkKey(t.ID, t.ChunkGen, from+i), Value: b})
		}
		if err := ts.store.PutAll(ctx, TableChunks, recs, ts.batchSize); err != nil {
			return &PersistenceError{Op: "putAll", Table: TableChunks, Key: t.ID, Err: err}
		}
	}

	prev := t.ChunkCount
	t.ChunkCount = len(t.Chunks)
	if err := ts.put(ctx, TableTasks, t.ID, t); err != nil {
		t.ChunkCount = prev
		return err
	}
	old := t.stored
	t.stored = chunkRef{gen: t.ChunkGen, count: t.ChunkCount}
	if old.gen != t.ChunkGen {
		// Leftovers of a discarded generation are unreachable either way.
		_ = ts.deleteChunks(ctx, t.ID, old)
	}
	return nil
}

// PurgeTask deletes the task record and its chunks. The status record stays
// so batch completion can still be evaluated.
func (ts *TaskStore) PurgeTask(ctx context.Context, t *Task) error {
	if err := ts.store.Delete(ctx, TableTasks, t.ID); err != nil {
		return &PersistenceError{Op: "delete", Table: TableTasks, Key: t.ID, Err: err}
	}
	err := ts.deleteChunks(ctx, t.ID, t.stored)
	t.stored = chunkRef{gen: t.ChunkGen}
	return err
}

func (ts *TaskStore) deleteChunks(ctx context.Context, id string, ref chunkRef) error {
	for i := range ref.count {
		key := chunkKey(id, ref.gen, i)
		if err := ts.store.Delete(ctx, TableChunks, key); err != nil {
			return &PersistenceError{Op: "delete", Table: TableChunks, Key: key, Err: err}
		}
	}
	return nil
}

func chunkKey(id string, gen, n int) string {
	return fmt.Sprintf("%s/%d/%d", id, gen, n)
}

// PutTasks writes many task records and their initial status records.
func (ts *TaskStore) PutTasks(ctx context.Context, tasks []*Task) error {
	taskRecs := make([]Record, 0, len(tasks))
	statusRecs := make([]Record, 0, len(tasks))
	now := ts.now()
	for _, t := range tasks {
		b, err := json.Marshal(t)
		if err != nil {
			return &PersistenceError{Op: "encode", Table: TableTasks, Key: t.ID, Err: err}
		}
		taskRecs = append(taskRecs, Record{Key: t.ID, Value: b})
		sb, err := json.Marshal(StatusRecord{TaskID: t.ID, Status: t.Status, UpdatedAt: now})
		if err != nil {
			return &PersistenceError{Op: "encode", Table: TableStatus, Key: t.ID, Err: err}
		}
		statusRecs = append(statusRecs, Record{Key: t.ID, Value: sb})
	}
	if err := ts.store.PutAll(ctx, TableTasks, taskRecs, ts.batchSize); err != nil {
		return &PersistenceError{Op: "putAll", Table: TableTasks, Err: err}
	}
	if err := ts.store.PutAll(ctx, TableStatus, statusRecs, ts.batchSize); err != nil {
		return &PersistenceError{Op: "putAll", Table: TableStatus, Err: err}
	}
	for _, t := range tasks {
		t.stored = chunkRef{gen: t.ChunkGen, count: t.ChunkCount}
	}
	return nil
}

// DeleteTask removes the task, its chunks and its status record.
func (ts *TaskStore) DeleteTask(ctx context.Context, t *Task) error {
	if err := ts.PurgeTask(ctx, t); err != nil {
		return err
	}
	id := t.ID
	if err := ts.store.Delete(ctx, TableStatus, id); err != nil {
		return &PersistenceError{Op: "delete", Table: TableStatus, Key: id, Err: err}
	}
	return nil
}

func (ts *TaskStore) GetStatus(ctx context.Context, id string) (StatusRecord, error) {
	var rec StatusRecord
	err := ts.get(ctx, TableStatus, id, &rec)
	return rec, err
}

func (ts *TaskStore) PutStatus(ctx context.Context, id string, s Status) error {
	return ts.put(ctx, TableStatus, id, StatusRecord{TaskID: id, Status: s, UpdatedAt: ts.now()})
}

func (ts *TaskStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var b Batch
	if err := ts.get(ctx, TableBatches, id, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (ts *TaskStore) PutBatch(ctx context.Context, b *Batch) error {
	return ts.put(ctx, TableBatches, b.ID, b)
}

func (ts *TaskStore) DeleteBatch(ctx context.Context, id string) error {
	if err := ts.store.Delete(ctx, TableBatches, id); err != nil {
		return &PersistenceError{Op: "delete", Table: TableBatches, Key: id, Err: err}
	}
	return nil
}

// ListBatches returns every persisted batch.
func (ts *TaskStore) ListBatches(ctx context.Context) ([]*Batch, error) {
	recs, err := ts.store.List(ctx, TableBatches)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Table: TableBatches, Err: err}
	}
	out := make([]*Batch, 0, len(recs))
	for _, r := range recs {
		var b Batch
		if err := json.Unmarshal(r.Value, &b); err != nil {
			return nil, &PersistenceError{Op: "decode", Table: TableBatches, Key: r.Key, Err: err}
		}
		out = append(out, &b)
	}
	return out, nil
}

func (ts *TaskStore) get(ctx context.Context, table, key string, v any) error {
	b, err := ts.store.Get(ctx, table, key)
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return &PersistenceError{Op: "get", Table: table, Key: key, Err: err}
	}
	if err := json.Unmarshal(b, v); err != nil {
		return &PersistenceError{Op: "decode", Table: table, Key: key, Err: err}
	}
	return nil
}

func (ts *TaskStore) put(ctx context.Context, table, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return &PersistenceError{Op: "encode", Table: table, Key: key, Err: err}
	}
	if err := ts.store.Put(ctx, table, key, b); err != nil {
		return &PersistenceError{Op: "put", Table: table, Key: key, Err: err}
	}
	return nil
}
