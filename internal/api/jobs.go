package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/financeanalyst/cmdgate/internal/schedule"
)

// handleJobs lists maintenance job states and aggregate counters.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.sched == nil {
		s.respondJSON(w, map[string]interface{}{"jobs": []struct{}{}})
		return
	}

	s.respondJSON(w, map[string]interface{}{
		"jobs":  s.sched.Jobs(),
		"stats": s.sched.Stats(),
	})
}

// handleJobRun triggers a maintenance job immediately:
// POST /api/security/jobs/{id}/run.
func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.sched == nil {
		s.respondError(w, http.StatusNotFound, "scheduler not running")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/security/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "run" {
		s.respondError(w, http.StatusBadRequest, "invalid path (use /api/security/jobs/{id}/run)")
		return
	}
	id := parts[0]

	if err := s.sched.RunNow(r.Context(), id); err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, map[string]interface{}{
		"job":    id,
		"status": "ok",
	})
}
