// Package api serves the HTTP control surface: worker dispatch and control,
// ephemeral, parallel and chained runs, run history, and an SSE event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/conductor/internal/chain"
	"github.com/mattjoyce/conductor/internal/ephemeral"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/history"
	"github.com/mattjoyce/conductor/internal/orchestrator"
	"github.com/mattjoyce/conductor/internal/protocol"
	"github.com/mattjoyce/conductor/internal/worker"
)

// Controller is the orchestrator surface the API drives.
type Controller interface {
	EnsureAndDispatch(ctx context.Context, name, task string, opts orchestrator.SpawnOptions) (*orchestrator.DispatchResult, error)
	Call(ctx context.Context, name string, cmd protocol.Command) ([]byte, error)
	Steer(ctx context.Context, name, message string) error
	Abort(ctx context.Context, name string) error
	Kill(name string) error
	Shutdown(ctx context.Context, name string) error
	List() []worker.Info
	Get(name string) (worker.Info, error)

	RunEphemeral(ctx context.Context, task string, opts orchestrator.SpawnOptions) (*ephemeral.Result, error)
	RunParallel(ctx context.Context, tasks []string, limit int, opts orchestrator.SpawnOptions) ([]orchestrator.ParallelResult, error)
	RunChain(ctx context.Context, steps []chain.Step, policy chain.Policy) (*orchestrator.ChainResult, error)
}

// RunStore reads run history. Optional.
type RunStore interface {
	ListRuns(ctx context.Context, f history.RunFilter) ([]history.RunRecord, error)
	GetRun(ctx context.Context, id string) (*history.RunRecord, error)
	GetChain(ctx context.Context, id string) (*history.ChainRecord, []history.RunRecord, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Token is the bearer token. Empty leaves the API open.
	Token string
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	ctl       Controller
	runs      RunStore
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. runs may be nil.
func New(config Config, ctl Controller, runs RunStore, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		ctl:       ctl,
		runs:      runs,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server and blocks until ctx ends or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Dispatches and chains answer synchronously.
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.handleListWorkers)
			r.Get("/{name}", s.handleGetWorker)
			r.Delete("/{name}", s.handleKillWorker)
			r.Post("/{name}/dispatch", s.handleDispatch)
			r.Post("/{name}/steer", s.handleSteer)
			r.Post("/{name}/abort", s.handleAbort)
			r.Post("/{name}/call", s.handleCall)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleRun)
			r.Post("/parallel", s.handleParallel)
			r.Post("/chain", s.handleChain)
			r.Get("/{id}", s.handleGetRun)
		})
		r.Get("/chains/{id}", s.handleGetChain)

		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
