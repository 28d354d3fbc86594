package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/randalmurphal/orcflow/internal/db"
	"github.com/randalmurphal/orcflow/internal/events"
	"github.com/randalmurphal/orcflow/internal/orchestrator"
	"github.com/randalmurphal/orcflow/internal/registry"
)

// Config holds server configuration.
type Config struct {
	Addr         string
	Store        *db.EngineDB
	Registry     *registry.Registry
	Orchestrator *orchestrator.Orchestrator
	// Recorder lists persisted events; its publisher feeds the WebSocket
	// endpoint.
	Recorder *events.Recorder
	Logger   *slog.Logger
}

// Server is the orcflow API server.
type Server struct {
	addr     string
	mux      *http.ServeMux
	logger   *slog.Logger
	store    *db.EngineDB
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	recorder *events.Recorder
	ws       *WSHandler
}

// New creates a new API server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = events.NewRecorder(cfg.Store, events.NewNopPublisher(), logger)
	}
	s := &Server{
		addr:     cfg.Addr,
		mux:      http.NewServeMux(),
		logger:   logger,
		store:    cfg.Store,
		registry: cfg.Registry,
		orch:     cfg.Orchestrator,
		recorder: recorder,
		ws:       NewWSHandler(recorder.Publisher(), logger),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/projects", s.handleListProjects)
	s.mux.HandleFunc("POST /api/projects", s.handleAddProject)

	s.mux.HandleFunc("POST /api/reload", s.handleReload)
	s.mux.HandleFunc("GET /api/definitions", s.handleListDefinitions)

	s.mux.HandleFunc("GET /api/runs", s.handleListRuns)
	s.mux.HandleFunc("POST /api/runs", s.handleTriggerRun)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /api/runs/{id}/steps", s.handleListSteps)
	s.mux.HandleFunc("GET /api/runs/{id}/events", s.handleListEvents)

	s.mux.Handle("GET /api/ws", s.ws)
}

// Handler returns the server's handler with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// StartContext serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) StartContext(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.ws.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", ln.Addr().String())
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The upgrade needs the original writer's Hijacker.
		if r.URL.Path == "/api/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"took", time.Since(start))
	})
}
