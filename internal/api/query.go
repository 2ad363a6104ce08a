package api

import (
	"context"
	"net/http"

	"github.com/seantiz/conduit/internal/model"
)

// Querier answers free-form questions through the remote service.
type Querier interface {
	SendQueryInSession(ctx context.Context, sessionID, text string) (*model.QueryResult, error)
}

// queryRequest is the JSON body for POST /v1/query.
type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Querier == nil {
		s.unavailable(w, "remote service")
		return
	}

	var req queryRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.deps.Querier.SendQueryInSession(r.Context(), req.SessionID, req.Query)
	if err != nil {
		s.writeErr(w, "query", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
