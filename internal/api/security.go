package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/financeanalyst/cmdgate/internal/session"
	"github.com/financeanalyst/cmdgate/internal/types"
)

// defaultDashboardWindow is the look-back applied when no ?window= is
// given.
const defaultDashboardWindow = time.Hour

// handleDashboard returns aggregated gate metrics for a look-back
// window given as a Go duration string (?window=15m).
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	window := defaultDashboardWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.respondError(w, http.StatusBadRequest, "invalid window duration")
			return
		}
		window = d
	}

	s.respondJSON(w, s.gate.Dashboard(window))
}

// handleEvents returns audit events, optionally filtered by ?since=
// (RFC 3339) and one or more ?type= values.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid since timestamp (use RFC 3339)")
			return
		}
		since = t
	}

	var filter []types.EventType
	for _, raw := range r.URL.Query()["type"] {
		filter = append(filter, types.EventType(raw))
	}

	events := s.gate.Events().Query(since, filter...)
	s.respondJSON(w, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

// handleLimits reports current rate limit occupancy and stage toggles.
func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.respondJSON(w, map[string]interface{}{
		"role_windows":    s.gate.Limiter().Snapshot(),
		"command_windows": s.gate.Limiter().CommandSnapshots(),
		"stages":          s.gate.Stages(),
	})
}

// handleUsage reports per-user command counters.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	usage := s.gate.Usage()
	s.respondJSON(w, map[string]interface{}{
		"count": len(usage),
		"users": usage,
	})
}

// handleStages lists the stage toggle table.
func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.respondJSON(w, s.gate.Stages())
}

// handleStageToggle flips one pipeline stage on or off:
// POST /api/security/stages/{name} with {"enabled": false}.
func (s *Server) handleStageToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stage := strings.TrimPrefix(r.URL.Path, "/api/security/stages/")
	if stage == "" || strings.Contains(stage, "/") {
		s.respondError(w, http.StatusBadRequest, "stage name required")
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.gate.SetStage(stage, req.Enabled); err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}

	s.respondJSON(w, map[string]interface{}{
		"stage":   stage,
		"enabled": req.Enabled,
	})
}

type evaluateRequest struct {
	Command *types.ParsedCommand `json:"command"`

	// Context is honored only when the request carries no token
	// claims, which happens in dev mode alone.
	Context *types.ExecutionContext `json:"context,omitempty"`
}

// handleEvaluate runs one command through the gate pipeline. The
// execution context comes from the caller's token claims; an explicit
// body context is accepted only in dev mode.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Command == nil {
		s.respondError(w, http.StatusBadRequest, "command required")
		return
	}

	var ectx types.ExecutionContext
	if claims, err := session.GetClaims(r); err == nil {
		ectx = claims.Context()
	} else if req.Context != nil {
		ectx = *req.Context
	} else {
		s.respondError(w, http.StatusBadRequest, "execution context required")
		return
	}

	s.respondJSON(w, s.gate.Evaluate(req.Command, ectx))
}
