// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// Config wires an Orchestrator to its collaborators.
//
// Every field is optional:
//
//	orch := batchfetch.New(batchfetch.Config{})   // in-memory store, net/http, zip archives
type Config struct {
	// Store persists tasks, status records and batches.
	// Default: NewMemoryStore()
	Store Store

	// Transport fetches resources.
	// Default: NewHTTPTransport(HTTPOptions{})
	Transport Transport

	// Sink receives lifecycle events. Nil discards them.
	Sink EventSink

	// NewArchive creates the writer used for archive mode.
	// Default: NewZipArchive
	NewArchive func() ArchiveWriter

	// Output, when set, receives list-mode artifacts and finished archives.
	Output Output

	// Logger receives structured diagnostics. Nil discards them.
	Logger *log.Logger

	// StatusInterval is how often a running transfer polls its status record.
	// Default: 1s
	StatusInterval time.Duration

	// CheckpointInterval and CheckpointChunks bound how much received data
	// may be held in memory before it is persisted. Whichever limit is hit
	// first triggers a checkpoint.
	// Defaults: 5s and 200 chunks
	CheckpointInterval time.Duration
	CheckpointChunks   int

	// ReadSize is the size of each body read.
	// Default: 32 KiB
	ReadSize int

	// PutBatchSize bounds bulk store transactions when submitting a batch.
	// Default: 100
	PutBatchSize int

	// RetryJitter adds a random delay of up to this much to each backoff.
	RetryJitter time.Duration
}

// Orchestrator is the public facade over task storage, the scheduler and
// the batch aggregator.
type Orchestrator struct {
	cfg     Config
	ts      *TaskStore
	board   *statusBoard
	handles *handleRegistry
	exec    *executor
	agg     *Aggregator
	sched   *scheduler
	log     *log.Logger
	sink    EventSink
	now     func() time.Time

	// ctl serializes control commands with worker claim and settlement.
	ctl sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// New builds an Orchestrator. Call Close to stop its workers.
func New(cfg Config) *Orchestrator {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Transport == nil {
		cfg.Transport = NewHTTPTransport(HTTPOptions{})
	}
	if cfg.NewArchive == nil {
		cfg.NewArchive = NewZipArchive
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = defaultCheckpointInterval
	}
	if cfg.CheckpointChunks <= 0 {
		cfg.CheckpointChunks = defaultCheckpointChunks
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = defaultReadSize
	}
	if cfg.PutBatchSize <= 0 {
		cfg.PutBatchSize = defaultPutBatchSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:     cfg,
		ts:      NewTaskStore(cfg.Store, cfg.PutBatchSize),
		handles: newHandleRegistry(),
		log:     cfg.Logger,
		sink:    cfg.Sink,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	o.board = newStatusBoard(o.ts)
	o.exec = &executor{
		ts:        o.ts,
		board:     o.board,
		transport: cfg.Transport,
		emit:      o.emit,
		log:       o.log,
		now:       o.now,
		cfg: executorConfig{
			StatusInterval:     cfg.StatusInterval,
			CheckpointInterval: cfg.CheckpointInterval,
			CheckpointChunks:   cfg.CheckpointChunks,
			ReadSize:           cfg.ReadSize,
		},
	}
	o.agg = newAggregator(o.ts, o.emit, o.log, cfg.NewArchive, cfg.Output, func(id string) bool {
		return !o.handles.Active(id)
	})
	o.sched = newScheduler(o.process)
	return o
}

func (o *Orchestrator) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = o.now()
	}
	if o.sink != nil {
		o.sink.Publish(e)
	}
}

// SubmitBatch persists the tasks as pending, registers the batch and
// starts its workers. It returns the generated batch ID.
//
// URLs are validated by the workers: a malformed one produces an error
// event and the task is dropped from the batch.
func (o *Orchestrator) SubmitBatch(ctx context.Context, specs []TaskSpec, opts Options) (string, error) {
	if o.closed.Load() {
		return "", ErrClosed
	}
	if len(specs) == 0 {
		return "", fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	opts = opts.withDefaults()
	if opts.ResumeMode != ResumeContinue && opts.ResumeMode != ResumeRestart {
		return "", fmt.Errorf("%w: unknown resume mode %q", ErrInvalidInput, opts.ResumeMode)
	}

	batchID := xid.New().String()
	now := o.now()
	seen := make(map[string]bool, len(specs))
	tasks := make([]*Task, 0, len(specs))
	members := make([]BatchMember, 0, len(specs))
	for _, s := range specs {
		id := s.ID
		if id == "" {
			id = uuid.NewString()
		} else if err := o.checkReusable(ctx, id); err != nil {
			return "", err
		}
		if seen[id] {
			return "", fmt.Errorf("%w: duplicate task id %q", ErrInvalidInput, id)
		}
		seen[id] = true
		target := s.TargetPath
		if target == "" {
			target = defaultTargetPath(s.URL, id)
		}
		tasks = append(tasks, &Task{
			ID:         id,
			URL:        s.URL,
			TargetPath: target,
			BatchID:    batchID,
			Status:     StatusPending,
			CreatedAt:  now,
		})
		members = append(members, BatchMember{TaskID: id, Status: StatusPending})
	}

	b := &Batch{ID: batchID, Members: members, Options: opts, CreatedAt: now}
	if err := o.ts.PutTasks(ctx, tasks); err != nil {
		return "", err
	}
	if err := o.ts.PutBatch(ctx, b); err != nil {
		return "", err
	}
	o.agg.Register(b)
	o.sched.Start(batchID, opts, b.TaskIDs())
	o.log.Info("batch submitted", "batch", batchID, "tasks", len(tasks), "archive", opts.ArchiveName, "concurrency", opts.MaxConcurrent)
	return batchID, nil
}

// checkReusable rejects caller-chosen IDs that belong to a live task.
func (o *Orchestrator) checkReusable(ctx context.Context, id string) error {
	rec, err := o.ts.GetStatus(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.Status.Terminal() {
		return fmt.Errorf("%w: task %q is %s", ErrInvalidInput, id, rec.Status)
	}
	return nil
}

// Pause asks a task to stop and keep its progress. Pausing a paused task
// is a no-op. A task that completes before the pause is observed stays
// completed.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	o.ctl.Lock()
	defer o.ctl.Unlock()

	_, changed, err := o.board.Transition(ctx, id, StatusPaused)
	if err != nil {
		return &TaskError{TaskID: id, Err: err}
	}
	if !changed || o.handles.Signal(id, ErrPaused) {
		return nil
	}
	t, err := o.ts.GetTask(ctx, id)
	if err != nil {
		return &TaskError{TaskID: id, Err: err}
	}
	t.Status = StatusPaused
	if err := o.ts.PutTask(ctx, t); err != nil {
		return &TaskError{TaskID: id, Err: err}
	}
	o.log.Info("task paused", "task", id, "bytes", t.DownloadedBytes)
	o.emit(Event{Type: EventPaused, TaskID: id, BatchID: t.BatchID, Payload: ProgressPayload{
		Downloaded: t.DownloadedBytes,
		Total:      t.TotalBytes,
		Percent:    progressPercent(t.DownloadedBytes, t.TotalBytes),
	}})
	return nil
}

// Resume re-queues a paused task. Tasks left behind in downloading or
// retry_pending by a persistence failure are accepted as well.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	o.ctl.Lock()
	defer o.ctl.Unlock()

	st, err := o.board.Get(ctx, id)
	if err != nil {
		return &TaskError{TaskID: id, Err: err}
	}
	active := o.handles.Active(id)
	switch {
	case st == StatusPaused:
		if _, _, err := o.board.TransitionFrom(ctx, id, []Status{StatusPaused}, StatusResumeRequested); err != nil {
			return &TaskError{TaskID: id, Err: err}
		}
	case (st == StatusDownloading || st == StatusRetryPending) && !active:
		if err := o.board.Force(ctx, id, StatusResumeRequested); err != nil {
			return &TaskError{TaskID: id, Err: err}
		}
	case st == StatusPending, st == StatusResumeRequested && active:
		return nil
	case st == StatusResumeRequested:
	default:
		return &TaskError{TaskID: id, Err: fmt.Errorf("%w: cannot resume %s task", ErrInvalidTransition, st)}
	}

	t, err := o.ts.GetTask(ctx, id)
	if err != nil {
		return &TaskError{TaskID: id, Err: err}
	}
	o.log.Info("task resumed", "task", id, "offset", t.DownloadedBytes)
	o.emit(Event{Type: EventResumed, TaskID: id, BatchID: t.BatchID})
	if active {
		return nil
	}
	t.Status = StatusResumeRequested
	if err := o.ts.PutTask(ctx, t); err != nil {
		return &TaskError{TaskID: id, Err: err}
	}
	o.sched.Enqueue(t.BatchID, o.batchOptions(ctx, t.BatchID), id)
	return nil
}

// Cancel stops a task and discards its received bytes. Cancelling an
// already cancelled task is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	t, err := o.cancelLocked(ctx, id)
	if err != nil {
		return err
	}
	if t != nil {
		o.agg.TaskTerminal(ctx, t)
	}
	return nil
}

func (o *Orchestrator) cancelLocked(ctx context.Context, id string) (*Task, error) {
	o.ctl.Lock()
	defer o.ctl.Unlock()

	_, changed, err := o.board.Transition(ctx, id, StatusCancelled)
	if err != nil {
		return nil, &TaskError{TaskID: id, Err: err}
	}
	if !changed || o.handles.Signal(id, ErrCancelled) {
		return nil, nil
	}
	t, err := o.ts.GetTask(ctx, id)
	if err != nil {
		return nil, &TaskError{TaskID: id, Err: err}
	}
	o.finishCancelled(ctx, t, o.batchOptions(ctx, t.BatchID))
	o.agg.Expect(t.BatchID, t.ID)
	return t, nil
}

// PauseAll pauses every non-terminal member of a batch.
func (o *Orchestrator) PauseAll(ctx context.Context, batchID string) error {
	return o.forEachMember(ctx, batchID, o.Pause)
}

// ResumeAll resumes every paused member of a batch.
func (o *Orchestrator) ResumeAll(ctx context.Context, batchID string) error {
	return o.forEachMember(ctx, batchID, o.Resume)
}

// CancelAll cancels every non-terminal member of a batch.
func (o *Orchestrator) CancelAll(ctx context.Context, batchID string) error {
	return o.forEachMember(ctx, batchID, o.Cancel)
}

// forEachMember applies fn to each member, skipping those for which the
// command does not apply.
func (o *Orchestrator) forEachMember(ctx context.Context, batchID string, fn func(context.Context, string) error) error {
	b, err := o.Batch(ctx, batchID)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range b.Members {
		if err := fn(ctx, m.TaskID); err != nil && !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status returns the status record of a task.
func (o *Orchestrator) Status(ctx context.Context, id string) (StatusRecord, error) {
	return o.ts.GetStatus(ctx, id)
}

// Task returns the full task record, including received chunks.
func (o *Orchestrator) Task(ctx context.Context, id string) (*Task, error) {
	return o.ts.GetTask(ctx, id)
}

// Batch returns a batch with the current status of every member.
func (o *Orchestrator) Batch(ctx context.Context, batchID string) (*Batch, error) {
	b, ok := o.agg.Batch(batchID)
	if !ok {
		var err error
		if b, err = o.ts.GetBatch(ctx, batchID); err != nil {
			return nil, err
		}
	}
	for i, m := range b.Members {
		if m.Status.Terminal() {
			continue
		}
		if rec, err := o.ts.GetStatus(ctx, m.TaskID); err == nil {
			b.Members[i].Status = rec.Status
		}
	}
	return b, nil
}

// Tasks lists the members of a batch without their chunk data.
func (o *Orchestrator) Tasks(ctx context.Context, batchID string) ([]TaskView, error) {
	b, err := o.Batch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	out := make([]TaskView, 0, len(b.Members))
	for _, m := range b.Members {
		t, err := o.ts.GetTask(ctx, m.TaskID)
		if errors.Is(err, ErrNotFound) {
			out = append(out, TaskView{ID: m.TaskID, BatchID: batchID, Status: m.Status})
			continue
		}
		if err != nil {
			return nil, err
		}
		v := t.View()
		v.Status = m.Status
		if m.Status == StatusCompleted {
			v.Progress = 100
		}
		out = append(out, v)
	}
	return out, nil
}

// Batches lists every persisted batch.
func (o *Orchestrator) Batches(ctx context.Context) ([]*Batch, error) {
	return o.ts.ListBatches(ctx)
}

// Wait blocks until every member of the batch is terminal and the batch
// strategy has run. The returned error is the archive error, if any.
func (o *Orchestrator) Wait(ctx context.Context, batchID string) (*BatchResult, error) {
	done, ok := o.agg.Done(batchID)
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res := o.agg.Result(batchID)
	return res, res.Err
}

// Result returns the result of a finished batch without blocking. The
// boolean is false while the batch is still running or unknown.
func (o *Orchestrator) Result(batchID string) (*BatchResult, bool) {
	res := o.agg.Result(batchID)
	return res, res != nil
}

// Recover reloads unfinished batches from the store and reschedules their
// interrupted members. Paused members stay paused. It returns the IDs of
// the batches it picked up.
func (o *Orchestrator) Recover(ctx context.Context) ([]string, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	batches, err := o.ts.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	var recovered []string
	for _, b := range batches {
		if _, tracked := o.agg.Batch(b.ID); tracked {
			continue
		}
		o.agg.Register(b)
		if b.IsComplete {
			continue
		}
		ids, err := o.requeueable(ctx, b)
		if err != nil {
			return recovered, err
		}
		if len(ids) > 0 {
			o.sched.Start(b.ID, b.Options, ids)
		}
		o.agg.Check(ctx, b.ID)
		o.log.Info("batch recovered", "batch", b.ID, "requeued", len(ids))
		recovered = append(recovered, b.ID)
	}
	return recovered, nil
}

// requeueable resets interrupted members to pending so a worker can claim them.
func (o *Orchestrator) requeueable(ctx context.Context, b *Batch) ([]string, error) {
	o.ctl.Lock()
	defer o.ctl.Unlock()
	var ids []string
	for _, m := range b.Members {
		rec, err := o.ts.GetStatus(ctx, m.TaskID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		switch rec.Status {
		case StatusDownloading, StatusRetryPending:
			if err := o.board.Force(ctx, m.TaskID, StatusPending); err != nil {
				return nil, err
			}
			fallthrough
		case StatusPending, StatusResumeRequested:
			if !o.handles.Active(m.TaskID) {
				ids = append(ids, m.TaskID)
			}
		}
	}
	return ids, nil
}

func (o *Orchestrator) batchOptions(ctx context.Context, batchID string) Options {
	if b, ok := o.agg.Batch(batchID); ok {
		return b.Options
	}
	if b, err := o.ts.GetBatch(ctx, batchID); err == nil {
		return b.Options
	}
	return Options{}.withDefaults()
}

// Close stops every worker. Running transfers checkpoint what they have
// received and keep their status so Recover can continue them later.
func (o *Orchestrator) Close() error {
	if o.closed.Swap(true) {
		return nil
	}
	o.cancel()
	o.sched.Wait()
	return nil
}
