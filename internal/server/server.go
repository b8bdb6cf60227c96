// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package server exposes an orchestrator over a REST API and a websocket
// event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/batchfetch/batchfetch/pkg/batchfetch"
)

// Config holds server configuration.
type Config struct {
	Addr           string
	Port           int
	AllowedOrigins []string // CORS origins

	// Defaults apply to submitted batches that carry no options.
	Defaults batchfetch.Options

	// MaxTasks bounds the size of a submitted batch. Zero means unlimited.
	MaxTasks int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:     "0.0.0.0",
		Port:     8080,
		MaxTasks: 10000,
	}
}

// Controller is the part of the orchestrator the server drives.
type Controller interface {
	SubmitBatch(ctx context.Context, specs []batchfetch.TaskSpec, opts batchfetch.Options) (string, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	PauseAll(ctx context.Context, batchID string) error
	ResumeAll(ctx context.Context, batchID string) error
	CancelAll(ctx context.Context, batchID string) error
	Task(ctx context.Context, id string) (*batchfetch.Task, error)
	Tasks(ctx context.Context, batchID string) ([]batchfetch.TaskView, error)
	Batch(ctx context.Context, batchID string) (*batchfetch.Batch, error)
	Batches(ctx context.Context) ([]*batchfetch.Batch, error)
	Result(batchID string) (*batchfetch.BatchResult, bool)
}

// Server is the HTTP server for batchfetch.
type Server struct {
	config     Config
	httpServer *http.Server
	orch       Controller
	tracker    *BatchTracker
	wsHub      *WSHub
	log        *log.Logger
	version    string
}

// New creates a server driving orch. The tracker must be the event sink
// (or part of it) of the same orchestrator.
func New(cfg Config, orch Controller, tracker *BatchTracker, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if tracker == nil {
		tracker = NewBatchTracker(NewWSHub(logger))
	}
	return &Server{
		config:  cfg,
		orch:    orch,
		tracker: tracker,
		wsHub:   tracker.hub,
		log:     logger.WithPrefix("server"),
		version: "dev",
	}
}

// SetVersion sets the version reported by the health endpoint.
func (s *Server) SetVersion(v string) {
	s.version = v
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go s.wsHub.Run()

	addr := fmt.Sprintf("%s:%d", s.config.Addr, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("server starting", "addr", "http://"+addr)
	s.log.Info("endpoints", "api", fmt.Sprintf("http://localhost:%d/api", s.config.Port), "ws", fmt.Sprintf("ws://localhost:%d/api/ws", s.config.Port))

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// registerAPIRoutes sets up all API endpoints.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Batches
	mux.HandleFunc("GET /api/batches", s.handleListBatches)
	mux.HandleFunc("POST /api/batches", s.handleSubmitBatch)
	mux.HandleFunc("GET /api/batches/{id}", s.handleGetBatch)
	mux.HandleFunc("GET /api/batches/{id}/archive", s.handleGetArchive)
	mux.HandleFunc("POST /api/batches/{id}/{action}", s.handleBatchAction)

	// Tasks
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/{action}", s.handleTaskAction)

	// WebSocket
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		// Allow same-origin and configured origins
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.config.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
