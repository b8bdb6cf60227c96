// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/batchfetch/batchfetch/pkg/batchfetch"
)

var errUnknownAction = fmt.Errorf("unknown action: %w", batchfetch.ErrInvalidInput)

// SubmitRequest is the request body for submitting a batch.
type SubmitRequest struct {
	Tasks   []batchfetch.TaskSpec `json:"tasks"`
	Options *batchfetch.Options   `json:"options,omitempty"`
}

// BatchResponse is the detailed view of one batch.
type BatchResponse struct {
	Batch    *batchfetch.Batch       `json:"batch"`
	Tasks    []batchfetch.TaskView   `json:"tasks"`
	Progress *BatchProgress          `json:"progress,omitempty"`
	Result   *batchfetch.BatchResult `json:"result,omitempty"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a simple success message.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// --- Handlers ---

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"clients": s.wsHub.ClientCount(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSubmitBatch submits a new batch.
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	id, err := s.submit(r.Context(), req.Tasks, req.Options)
	if err != nil {
		writeError(w, statusFor(err), "Failed to submit batch", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batchId": id})
}

// handleListBatches returns all known batches.
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.orch.Batches(r.Context())
	if err != nil {
		writeError(w, statusFor(err), "Failed to list batches", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batches": batches,
		"count":   len(batches),
	})
}

// handleGetBatch returns a batch with its task views.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	b, err := s.orch.Batch(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "Batch not found", err.Error())
		return
	}
	tasks, err := s.orch.Tasks(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "Failed to load tasks", err.Error())
		return
	}

	resp := BatchResponse{Batch: b, Tasks: tasks}
	if bp, ok := s.tracker.Progress(id); ok {
		resp.Progress = bp
	}
	if res, ok := s.orch.Result(id); ok {
		resp.Result = res
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetArchive streams the finished archive of a batch.
func (s *Server) handleGetArchive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	res, ok := s.orch.Result(id)
	if !ok {
		if _, err := s.orch.Batch(r.Context(), id); err != nil {
			writeError(w, statusFor(err), "Batch not found", err.Error())
			return
		}
		writeError(w, http.StatusConflict, "Batch is still running", "")
		return
	}
	if res.Archive == nil || len(res.Archive.Data) == 0 {
		writeError(w, http.StatusNotFound, "Batch has no archive", "")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(res.Archive.Name)))
	w.Header().Set("Content-Length", fmt.Sprint(len(res.Archive.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(res.Archive.Data)
}

// handleBatchAction pauses, resumes or cancels every member of a batch.
func (s *Server) handleBatchAction(w http.ResponseWriter, r *http.Request) {
	id, action := r.PathValue("id"), r.PathValue("action")
	if err := s.batchAction(r.Context(), id, action); err != nil {
		writeError(w, statusFor(err), "Failed to "+action+" batch", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Batch " + id + ": " + action,
	})
}

// handleGetTask returns one task.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.orch.Task(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), "Task not found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t.View())
}

// handleTaskAction pauses, resumes or cancels one task.
func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	id, action := r.PathValue("id"), r.PathValue("action")
	if err := s.taskAction(r.Context(), id, action); err != nil {
		writeError(w, statusFor(err), "Failed to "+action+" task", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Task " + id + ": " + action,
	})
}

// --- Operations shared by REST and websocket ---

func (s *Server) submit(ctx context.Context, specs []batchfetch.TaskSpec, opts *batchfetch.Options) (string, error) {
	if s.config.MaxTasks > 0 && len(specs) > s.config.MaxTasks {
		return "", fmt.Errorf("batch of %d tasks exceeds limit %d: %w", len(specs), s.config.MaxTasks, batchfetch.ErrInvalidInput)
	}
	o := s.config.Defaults
	if opts != nil {
		o = *opts
	}

	// Submission outlives the request
	id, err := s.orch.SubmitBatch(context.WithoutCancel(ctx), specs, o)
	if err != nil {
		return "", err
	}
	if b, err := s.orch.Batch(ctx, id); err == nil {
		s.tracker.Track(b)
	}
	s.log.Info("batch submitted", "batch", id, "tasks", len(specs))
	return id, nil
}

func (s *Server) taskAction(ctx context.Context, id, action string) error {
	if id == "" {
		return fmt.Errorf("missing task id: %w", batchfetch.ErrInvalidInput)
	}
	switch action {
	case "pause":
		return s.orch.Pause(ctx, id)
	case "resume":
		return s.orch.Resume(ctx, id)
	case "cancel":
		return s.orch.Cancel(ctx, id)
	}
	return errUnknownAction
}

func (s *Server) batchAction(ctx context.Context, id, action string) error {
	if id == "" {
		return fmt.Errorf("missing batch id: %w", batchfetch.ErrInvalidInput)
	}
	switch action {
	case "pause":
		return s.orch.PauseAll(ctx, id)
	case "resume":
		return s.orch.ResumeAll(ctx, id)
	case "cancel":
		return s.orch.CancelAll(ctx, id)
	}
	return errUnknownAction
}

// --- Helpers ---

func statusFor(err error) int {
	switch {
	case errors.Is(err, batchfetch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, batchfetch.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, batchfetch.ErrInvalidTransition), errors.Is(err, batchfetch.ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, batchfetch.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Details: details,
	})
}
