// Package server exposes the placement engine to an external simulator over
// a small JSON/HTTP surface: one endpoint per lifecycle event, registration
// endpoints feeding the in-memory cluster host, and a websocket stream of
// placement decisions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/virtfleet/virtfleet/internal/cluster/memory"
	"github.com/virtfleet/virtfleet/internal/config"
	"github.com/virtfleet/virtfleet/internal/domain"
	"github.com/virtfleet/virtfleet/internal/scheduler"
)

// Server hosts the event surface in front of a Scheduler.
type Server struct {
	config     *config.Config
	sched      *scheduler.Scheduler
	cluster    *memory.Cluster
	logger     *zap.Logger
	mux        *http.ServeMux
	httpServer *http.Server
	stream     *streamHub

	// The core is single-threaded by contract; eventMu serializes event
	// delivery from concurrent HTTP requests before calling into it.
	eventMu sync.Mutex
}

// New creates a server wired to the given scheduler and in-memory cluster.
func New(cfg *config.Config, sched *scheduler.Scheduler, cl *memory.Cluster, logger *zap.Logger) *Server {
	s := &Server{
		config:  cfg,
		sched:   sched,
		cluster: cl,
		logger:  logger.Named("server"),
		mux:     http.NewServeMux(),
		stream:  newStreamHub(logger),
	}

	sched.OnDecision(s.stream.Broadcast)
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.setupMiddleware(s.mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// eventRequest is the body of every event endpoint: a simulated timestamp
// and the event-specific identifier (task, VM, or machine ID).
type eventRequest struct {
	Time uint64 `json:"time"`
	ID   string `json:"id"`
}

func (s *Server) setupRoutes() {
	// Fleet and task registration for the in-memory host
	s.mux.HandleFunc("/v1/fleet/machines", s.handleAddMachine)
	s.mux.HandleFunc("/v1/tasks", s.handleAddTask)

	// One endpoint per lifecycle event
	s.mux.HandleFunc("/v1/events/init", s.handleInit)
	s.mux.HandleFunc("/v1/events/task-arrived", s.eventHandler(s.sched.TaskArrived))
	s.mux.HandleFunc("/v1/events/task-completed", s.eventHandler(s.sched.TaskCompleted))
	s.mux.HandleFunc("/v1/events/migration-complete", s.eventHandler(s.sched.MigrationComplete))
	s.mux.HandleFunc("/v1/events/memory-warning", s.eventHandler(s.sched.MemoryWarning))
	s.mux.HandleFunc("/v1/events/sla-warning", s.eventHandler(s.sched.SLAWarning))
	s.mux.HandleFunc("/v1/events/tick", s.handleTick)
	s.mux.HandleFunc("/v1/events/shutdown", s.handleShutdown)

	// Decision stream
	s.mux.HandleFunc("/v1/stream", s.stream.handleSubscribe)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

// eventHandler adapts an id-carrying scheduler event method to an HTTP
// endpoint. The core never reports event failures to the host, so the
// response is 204 for any well-formed request.
func (s *Server) eventHandler(fn func(ctx context.Context, now uint64, id string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := s.decodeEvent(w, r)
		if !ok {
			return
		}

		s.eventMu.Lock()
		fn(r.Context(), req.Time, req.ID)
		s.eventMu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.decodeEvent(w, r); !ok {
		return
	}

	s.eventMu.Lock()
	err := s.sched.Init(r.Context())
	s.eventMu.Unlock()

	if err != nil {
		s.logger.Error("Init failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEvent(w, r)
	if !ok {
		return
	}

	s.eventMu.Lock()
	s.sched.PeriodicCheck(r.Context(), req.Time)
	s.eventMu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEvent(w, r)
	if !ok {
		return
	}

	s.eventMu.Lock()
	s.sched.Shutdown(r.Context(), req.Time)
	s.eventMu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddMachine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var m domain.Machine
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if m.ID == "" {
		http.Error(w, "machine id is required", http.StatusBadRequest)
		return
	}

	if err := s.cluster.AddMachine(m); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var t domain.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if t.ID == "" {
		http.Error(w, "task id is required", http.StatusBadRequest)
		return
	}

	if err := s.cluster.AddTask(t); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) decodeEvent(w http.ResponseWriter, r *http.Request) (eventRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return eventRequest{}, false
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return eventRequest{}, false
	}
	return req, true
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrAlreadyExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// setupMiddleware configures the middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400, // 24 hours
	})

	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
	})
}

// recoveryMiddleware recovers from handler panics; the host must keep
// receiving events regardless of any single request's failure.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Recovered from panic in handler",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Run starts the server and blocks until the context is cancelled or the
// listener fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server", zap.String("address", s.config.Server.Address()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")
	s.stream.Close()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}
	return nil
}
