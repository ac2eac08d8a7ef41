// Package server exposes the pipeline over HTTP: task control endpoints for
// the CLI and a websocket stream of board events.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/bborn/boardhooks/internal/db"
	"github.com/bborn/boardhooks/internal/events"
	"github.com/bborn/boardhooks/internal/executor"
	"github.com/bborn/boardhooks/internal/pipeline"
	"github.com/charmbracelet/log"
)

// Pipeline is the part of the supervisor the server drives.
type Pipeline interface {
	Move(ctx context.Context, taskID, columnID int64, position int) error
	StopExecutor(ctx context.Context, taskID int64) error
	EnqueueMessage(ctx context.Context, taskID int64, msg db.QueuedMessage) error
	SendInput(taskID int64, text string) error
	Status(taskID int64) (executor.Status, error)
}

// Config holds server configuration.
type Config struct {
	Addr     string
	DB       *db.DB
	Bus      *events.Bus
	Pipeline Pipeline
	Logger   *log.Logger
}

// Server is the daemon's HTTP API.
type Server struct {
	db       *db.DB
	pipeline Pipeline
	addr     string
	logger   *log.Logger
	hub      *Hub
	handler  http.Handler
}

// New creates a server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "http"})
	}
	s := &Server{
		db:       cfg.DB,
		pipeline: cfg.Pipeline,
		addr:     cfg.Addr,
		logger:   logger,
		hub:      NewHub(cfg.Bus, logger),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /tasks/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /tasks/{id}/executions", s.handleExecutions)
	mux.HandleFunc("POST /tasks/{id}/move", s.handleMove)
	mux.HandleFunc("POST /tasks/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /tasks/{id}/input", s.handleInput)
	mux.HandleFunc("POST /tasks/{id}/enqueue", s.handleEnqueue)
	mux.HandleFunc("GET /boards/{id}/ws", s.handleWebSocket)
	s.handler = s.loggingMiddleware(mux)
	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket streams are long lived
		IdleTimeout:  60 * time.Second,
	}

	hubCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.hub.Run(hubCtx)

	s.logger.Info("HTTP server starting", "addr", s.addr)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}

func jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	jsonResponse(w, map[string]string{"error": message}, status)
}

func parseJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func getIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

// errorStatus maps pipeline errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrTaskNotFound), errors.Is(err, pipeline.ErrColumnNotFound):
		return http.StatusNotFound
	case errors.Is(err, executor.ErrNotRunning), errors.Is(err, executor.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, pipeline.ErrStopping):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{"status": "ok", "clients": s.hub.ClientCount()}, http.StatusOK)
}
