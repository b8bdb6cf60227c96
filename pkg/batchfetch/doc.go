// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

/*
Package batchfetch is a resumable, concurrent multi-file download orchestrator.

Given a list of remote resources it fetches each one over HTTP with bounded
parallelism, checkpoints partial progress to a Store so transfers survive
interruption, supports per-task pause/resume/cancel, and can bundle the
completed members of a batch into one archive once every member is terminal.

# Features

  - Resumable transfers: received chunks are checkpointed and a resumed task
    continues with a Range request from its persisted byte count
  - Bounded concurrency: at most MaxConcurrent tasks of a batch stream at once
  - Retry with exponential backoff for transport failures
  - Pause, resume and cancel for single tasks or whole batches
  - Archive mode: completed members are written into a single zip
  - Lifecycle events for UIs, logs or websocket clients

# Quick Start

	orch := batchfetch.New(batchfetch.Config{
		Sink: batchfetch.SinkFunc(func(e batchfetch.Event) {
			fmt.Printf("[%s] %s\n", e.Type, e.TaskID)
		}),
	})
	defer orch.Close()

	batchID, err := orch.SubmitBatch(ctx, []batchfetch.TaskSpec{
		{URL: "https://example.com/a.bin", TargetPath: "a.bin"},
		{URL: "https://example.com/b.bin", TargetPath: "b.bin"},
	}, batchfetch.Options{MaxConcurrent: 2, ArchiveName: "bundle.zip"})
	if err != nil {
		log.Fatal(err)
	}

	res, err := orch.Wait(ctx, batchID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.Archive.Name, res.Archive.Entries)

# Status lifecycle

Every task moves through the statuses below. Terminal statuses are failed,
completed and cancelled.

	pending ─► downloading ─► completed
	              │  ▲  │
	              │  │  └─► retry_pending ─► failed
	              │  └──────────┘
	              └─► paused ─► resume_requested ─► downloading

Any non-terminal status may move to cancelled.

# Persistence

The Store is a small transactional key-value contract with caller-defined
tables. Four tables are used: "tasks" (task records), "taskChunks" (one record
per received chunk, keyed "<task>/<generation>/<index>"), "taskStatus" (the
lightweight status projection polled for control signals) and "batches". A
checkpoint writes only the chunks received since the previous one.
MemoryStore is the default; internal/store/sqlite provides a durable
implementation.
*/
package batchfetch
