// Package api exposes the security gate over HTTP: token issuing,
// command evaluation, the operator dashboard, and a live event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/financeanalyst/cmdgate/internal/gate"
	"github.com/financeanalyst/cmdgate/internal/schedule"
	"github.com/financeanalyst/cmdgate/internal/session"
	"github.com/financeanalyst/cmdgate/internal/types"
)

// Server is the HTTP API server.
type Server struct {
	port       int
	gate       *gate.Gate
	sessions   *session.Manager
	sched      *schedule.Scheduler
	creds      CredentialChecker
	logger     *slog.Logger
	httpServer *http.Server
	started    time.Time
}

// NewServer creates a new API server. sched and creds may be nil: the
// job endpoints then report nothing and the password grant denies all.
func NewServer(
	port int,
	g *gate.Gate,
	sessions *session.Manager,
	sched *schedule.Scheduler,
	creds CredentialChecker,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:     port,
		gate:     g,
		sessions: sessions,
		sched:    sched,
		creds:    creds,
		logger:   logger.With("component", "api"),
		started:  time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Handler assembles the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	authed := s.sessions.Middleware()
	staff := func(h http.HandlerFunc) http.Handler {
		return authed(session.RequireRole(types.RoleAdmin, types.RoleAnalyst)(h))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return authed(session.RequireRole(types.RoleAdmin)(h))
	}

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/auth/token", s.handleToken)
	mux.HandleFunc("/api/auth/refresh", s.handleRefresh)

	mux.Handle("/api/security/evaluate", authed(http.HandlerFunc(s.handleEvaluate)))
	mux.Handle("/api/security/dashboard", staff(s.handleDashboard))
	mux.Handle("/api/security/events", staff(s.handleEvents))
	mux.Handle("/api/security/limits", staff(s.handleLimits))
	mux.Handle("/api/security/usage", staff(s.handleUsage))
	mux.Handle("/api/security/stages", staff(s.handleStages))
	mux.Handle("/api/security/stages/", admin(s.handleStageToggle))
	mux.Handle("/api/security/jobs", staff(s.handleJobs))
	mux.Handle("/api/security/jobs/", admin(s.handleJobRun))

	// WebSocket upgrade authenticates via query token, not headers.
	mux.HandleFunc("/api/security/stream", s.handleStream)

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth returns liveness and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.respondJSON(w, map[string]interface{}{
		"status":      "ok",
		"version":     "0.1.0",
		"uptime_secs": int(time.Since(s.started).Seconds()),
		"dev_mode":    s.sessions.DevMode(),
	})
}

// respondJSON writes a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// respondError writes a JSON error with the given status.
func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
