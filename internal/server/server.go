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

	"github.com/michaelbrown/scriptforge/internal/agent"
	"github.com/michaelbrown/scriptforge/internal/config"
	"github.com/michaelbrown/scriptforge/internal/envmgr"
	"github.com/michaelbrown/scriptforge/internal/runs"
	"github.com/michaelbrown/scriptforge/internal/scripts"
	"github.com/michaelbrown/scriptforge/internal/storage"
)

// Environments provisions and inspects task environments. *envmgr.Manager
// satisfies it.
type Environments interface {
	Provision(ctx context.Context, label string, manifest envmgr.Manifest) *envmgr.ProvisionResult
	Environment(ctx context.Context, label string) (*envmgr.Environment, error)
	Environments(ctx context.Context) ([]envmgr.Environment, error)
}

// Runner starts script runs. *runs.Service satisfies it.
type Runner interface {
	RunNow(ctx context.Context, req runs.Request) (*storage.Run, *envmgr.Result, error)
	Submit(ctx context.Context, req runs.Request) (*storage.Run, error)
}

// AgentOptions selects the provider, model and profile for one agent run.
type AgentOptions struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Profile  string `json:"profile,omitempty"`
}

// AgentFactory builds a fresh agent for each request.
type AgentFactory func(ctx context.Context, opts AgentOptions) (*agent.Agent, error)

// Deps are the components the API is served from.
type Deps struct {
	Scripts      *scripts.Store
	Environments Environments
	Runs         Runner
	Store        storage.Store
	NewAgent     AgentFactory // nil disables the agent endpoints
}

// Server is the HTTP server for the ScriptForge API.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
	router chi.Router
	http   *http.Server

	// cancels in-flight websocket agent runs on shutdown
	baseCtx    context.Context
	cancelRuns context.CancelFunc
}

// New creates a new Server.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		deps:       deps,
		logger:     logger.With(slog.String("component", "server")),
		router:     chi.NewRouter(),
		baseCtx:    ctx,
		cancelRuns: cancel,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Get("/health", s.handleHealth)

		// Scripts
		r.Get("/scripts", s.handleListScripts)
		r.Get("/scripts/{name}", s.handleGetScript)
		r.Put("/scripts/{name}", s.handleSaveScript)

		// Environments
		r.Get("/environments", s.handleListEnvironments)
		r.Get("/environments/{task}", s.handleGetEnvironment)
		r.Post("/environments/{task}", s.handleProvision)

		// Runs
		r.Get("/runs", s.handleListRuns)
		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Delete("/runs/{id}", s.handleDeleteRun)

		// Agent
		r.Post("/agent", s.handleAgent)
		r.Get("/agent/ws", s.handleWebSocket)

		r.Get("/providers", s.handleListProviders)
	})
}

// ServeHTTP lets the server be mounted or exercised with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start begins listening on the given port. It returns nil after Shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("server starting", "addr", "http://localhost"+addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.cancelRuns()
	if s.http == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
