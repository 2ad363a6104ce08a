package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/conduit/internal/engine"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/store"
)

func (s *Server) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		s.unavailable(w, "workflow engine")
		return
	}

	var req engine.WorkflowRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	wf, err := s.deps.Engine.Submit(r.Context(), req)
	if err != nil {
		s.writeErr(w, "workflow", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Engine == nil {
		s.unavailable(w, "workflow engine")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Engine.List())
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		s.unavailable(w, "workflow engine")
		return
	}

	wf, err := s.deps.Engine.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, "workflow", err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

// handleStreamWorkflow streams workflow snapshots until the workflow reaches
// a terminal status.
func (s *Server) handleStreamWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		s.unavailable(w, "workflow engine")
		return
	}
	id := chi.URLParam(r, "id")

	if _, err := s.deps.Engine.Get(id); err != nil {
		s.writeErr(w, "workflow", err)
		return
	}

	// Subscribe before taking the snapshot so no update falls in between.
	// A finished workflow's topic is closed, so the stream ends right after
	// the snapshot.
	ch, unsub := s.deps.Engine.Broker().Subscribe(id)
	defer unsub()

	wf, err := s.deps.Engine.Get(id)
	if err != nil {
		s.writeErr(w, "workflow", err)
		return
	}
	streamSSE(s, w, r, "workflow", []model.Workflow{*wf}, ch)
}

// handleListSnapshots returns the recorded status history of the workflow's
// execution.
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		s.unavailable(w, "workflow engine")
		return
	}

	wf, err := s.deps.Engine.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, "workflow", err)
		return
	}

	snaps := []store.Snapshot{}
	if wf.ExecutionID != "" {
		got, err := s.deps.Store.ListSnapshots(r.Context(), wf.ExecutionID)
		if err != nil {
			s.writeErr(w, "snapshots", err)
			return
		}
		snaps = append(snaps, got...)
	}
	s.writeJSON(w, http.StatusOK, snaps)
}
