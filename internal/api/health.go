package api

import (
	"net/http"
)

type healthResponse struct {
	Status     string `json:"status"`
	QueueDepth int    `json:"queue_depth"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", QueueDepth: s.deps.Queue.Len()})
}
