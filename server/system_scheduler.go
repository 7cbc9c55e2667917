package server

import (
	"net/http"
	"strconv"
)

// handleSchedulerJobs handles GET /api/system/scheduler/jobs
func (s *Server) handleSchedulerJobs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	jobs, err := s.jobStore.ListJobs()
	if err != nil {
		s.logger.Errorw("Failed to list scheduled jobs", "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleSchedulerJob handles:
//
//	GET  /api/system/scheduler/jobs/{id}         - job detail
//	GET  /api/system/scheduler/jobs/{id}/executions - job execution history
//	POST /api/system/scheduler/jobs/{id}/run     - trigger immediately
//	POST /api/system/scheduler/jobs/{id}/toggle  - enable/disable
func (s *Server) handleSchedulerJob(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/system/scheduler/jobs/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Job ID required")
		return
	}
	jobID := parts[0]

	if len(parts) == 1 {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		job, err := s.jobStore.GetJob(jobID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
		return
	}

	switch parts[1] {
	case "executions":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		executions, err := s.execStore.ListByJob(jobID, parseLimit(r, 50, 200))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"executions": executions,
			"count":      len(executions),
		})

	case "run":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		result, err := s.engine.RunNow(jobID)
		if err != nil {
			// Trigger errors (unknown job, already running) map to HTTP
			// status; a handler failure is a normal outcome below
			writeServiceError(w, err)
			return
		}
		s.logger.Infow("Job triggered via API",
			"job_id", jobID,
			"success", result.Success)
		writeJSON(w, http.StatusOK, result)

	case "toggle":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		var req struct {
			Active bool `json:"active"`
		}
		if err := readJSON(w, r, &req); err != nil {
			return
		}
		job, err := s.engine.Toggle(jobID, req.Active)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		s.logger.Infow("Job toggled via API", "job_id", jobID, "active", req.Active)
		writeJSON(w, http.StatusOK, job)

	default:
		writeError(w, http.StatusNotFound, "Unknown action: "+parts[1])
	}
}

// handleSchedulerExecutions handles GET /api/system/scheduler/executions
func (s *Server) handleSchedulerExecutions(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	executions, err := s.execStore.ListRecent(parseLimit(r, 50, 200))
	if err != nil {
		s.logger.Errorw("Failed to list executions", "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": executions,
		"count":      len(executions),
	})
}

// handleSchedulerDeadLetter handles GET /api/system/scheduler/dead-letter
func (s *Server) handleSchedulerDeadLetter(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	entries, err := s.deadLetter.List()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleSchedulerDeadLetterAction handles:
//
//	POST /api/system/scheduler/dead-letter/clear        - drop all entries
//	POST /api/system/scheduler/dead-letter/{jobId}/retry - reactivate a job
func (s *Server) handleSchedulerDeadLetterAction(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	parts := extractPathParts(r.URL.Path, "/api/system/scheduler/dead-letter/")
	if len(parts) == 1 && parts[0] == "clear" {
		removed, err := s.engine.ClearDeadLetter()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": removed})
		return
	}

	if len(parts) == 2 && parts[1] == "retry" {
		job, err := s.engine.RetryDeadLetter(parts[0])
		if err != nil {
			writeServiceError(w, err)
			return
		}
		s.logger.Infow("Dead-lettered job retried via API", "job_id", parts[0])
		writeJSON(w, http.StatusOK, job)
		return
	}

	writeError(w, http.StatusNotFound, "Unknown dead-letter action")
}

// handleSchedulerStatus handles GET /api/system/scheduler/status
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running": s.engine.Running(),
		"engine":  s.engine.Stats(),
		"nextRun": s.engine.DescribeNextRun(),
	})
}

// handleSchedulerStart handles POST /api/system/scheduler/start
func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	if err := s.engine.Start(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.logger.Infow("Scheduler engine started via API")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Scheduler started",
		"running": true,
	})
}

// handleSchedulerStop handles POST /api/system/scheduler/stop.
// Stopping is idempotent; a stop on an idle engine is a no-op.
func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	s.engine.Stop()

	s.logger.Infow("Scheduler engine stopped via API")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Scheduler stopped",
		"running": false,
	})
}

// parseLimit reads the limit query parameter with a default and a cap
func parseLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
