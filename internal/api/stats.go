package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total             int            `json:"total"`
	ByStatus          map[string]int `json:"by_status"`
	ByKind            map[string]int `json:"by_kind"`
	AvgDurationMS     float64        `json:"avg_duration_ms"`
	Queued            int            `json:"queued"`
	WorkflowsByStatus map[string]int `json:"workflows_by_status"`
	ProcessesByStatus map[string]int `json:"processes_by_status"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.CommandStats(r.Context())
	if err != nil {
		s.logger.Error("get command stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := statsResponse{
		Total:             stats.Total,
		ByStatus:          stats.CountByStatus,
		ByKind:            stats.CountByKind,
		AvgDurationMS:     stats.AvgDurationMS,
		Queued:            s.deps.Queue.Len(),
		WorkflowsByStatus: map[string]int{},
		ProcessesByStatus: map[string]int{},
	}
	if s.deps.Engine != nil {
		for _, wf := range s.deps.Engine.List() {
			resp.WorkflowsByStatus[wf.Status]++
		}
	}
	if s.deps.Simulator != nil {
		for _, p := range s.deps.Simulator.List() {
			resp.ProcessesByStatus[p.OverallStatus]++
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
