// Package server exposes the lesson lifecycle over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/michaelbrown/lessonforge/internal/debounce"
	"github.com/michaelbrown/lessonforge/internal/jobs"
	"github.com/michaelbrown/lessonforge/internal/observability"
	"github.com/michaelbrown/lessonforge/internal/storage"
)

// Config controls request handling.
type Config struct {
	// AutoExecute enqueues an execute event for every created lesson.
	AutoExecute bool
	// PollInterval is how often the websocket stream re-reads a lesson.
	PollInterval time.Duration
}

// Options carries optional collaborators.
type Options struct {
	Debouncer debounce.Debouncer
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    trace.Tracer
}

// Server is the HTTP server for the lesson API.
type Server struct {
	cfg       Config
	store     storage.Store
	queue     jobs.Queue
	debouncer debounce.Debouncer
	metrics   *observability.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	router    chi.Router
	http      *http.Server
}

// New creates a new Server.
func New(cfg Config, store storage.Store, queue jobs.Queue, opts Options) *Server {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if opts.Debouncer == nil {
		opts.Debouncer = debounce.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	s := &Server{
		cfg:       cfg,
		store:     store,
		queue:     queue,
		debouncer: opts.Debouncer,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		logger:    opts.Logger.With("component", "server"),
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMiddleware(s.metrics, s.tracer, s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	// WebSocket (no JSON content-type)
	r.Get("/lessons/{id}/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(jsonContentType)

		r.Get("/lessons", s.handleListLessons)
		r.Post("/lessons", s.handleCreateLesson)
		r.Get("/lessons/{id}", s.handleGetLesson)
		r.Put("/lessons/{id}", s.handleUpdateLesson)
		r.Post("/lessons/{id}/recreate", s.handleRecreate)

		r.Post("/execute", s.handleExecute)
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("lessonforge server starting", "addr", "http://localhost"+addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
