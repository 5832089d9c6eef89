package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	TotalJobs     int            `json:"total_jobs"`
	TotalTasks    int            `json:"total_tasks"`
	ByStatus      map[string]int `json:"by_status"`
	TotalAttempts int            `json:"total_attempts"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		TotalJobs:     stats.TotalJobs,
		TotalTasks:    stats.TotalTasks,
		ByStatus:      stats.CountByStatus,
		TotalAttempts: stats.TotalAttempts,
	})
}
