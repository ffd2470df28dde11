// Package api serves the agent's local HTTP API: health, devices, tasks and
// metrics for operators on the farm host.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/devfarm/farm-agent/internal/tasks"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Health is the agent's view of its control connection.
type Health struct {
	State         string `json:"state"`
	Authenticated bool   `json:"authenticated"`
	AgentID       int    `json:"agentId,omitempty"`
	Version       string `json:"version"`
}

// Backend is what the API reads from and acts on.
type Backend interface {
	Health() Health
	// Devices returns cached statuses keyed by platform name, then device.
	Devices() map[string]map[string]string
	Tasks() []tasks.Info
	Task(id string) (tasks.Info, bool)
	CancelTask(id string) bool
	CancelSession(sessionID string) int
}

// Server is the local API server.
type Server struct {
	addr     string
	backend  Backend
	gatherer prometheus.Gatherer
	log      zerolog.Logger
	router   *chi.Mux
}

// New creates a server listening on addr once Run is called.
func New(addr string, backend Backend, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	s := &Server{
		addr:     addr,
		backend:  backend,
		gatherer: gatherer,
		log:      log.With().Str("component", "api").Logger(),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", s.handleDevices)
		r.Get("/tasks", s.handleTasks)
		r.Get("/tasks/{taskID}", s.handleTask)
		r.Post("/tasks/{taskID}/cancel", s.handleCancelTask)
		r.Post("/sessions/{sessionID}/cancel", s.handleCancelSession)
	})

	s.router = r
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Health())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.backend.Devices()})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.backend.Tasks()})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	info, ok := s.backend.Task(chi.URLParam(r, "taskID"))
	if !ok {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if !s.backend.CancelTask(id) {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	s.log.Info().Str("task_id", id).Msg("task cancelled via api")
	writeJSON(w, http.StatusAccepted, map[string]any{"cancelled": 1})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	n := s.backend.CancelSession(sessionID)
	s.log.Info().Str("session", sessionID).Int("cancelled", n).Msg("session tasks cancelled via api")
	writeJSON(w, http.StatusAccepted, map[string]any{"cancelled": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("starting local api")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
