package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/conduit/internal/simulator"
)

// startProcessRequest is the JSON body for POST /v1/processes.
type startProcessRequest struct {
	Request string `json:"request"`
}

func (s *Server) handleStartProcess(w http.ResponseWriter, r *http.Request) {
	if s.deps.Simulator == nil {
		s.unavailable(w, "simulator")
		return
	}

	var req startProcessRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Request) == "" {
		s.writeError(w, http.StatusBadRequest, "request is required")
		return
	}

	p, err := s.deps.Simulator.Start(req.Request)
	if err != nil {
		s.writeErr(w, "process", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, p)
}

func (s *Server) handleListProcesses(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Simulator == nil {
		s.unavailable(w, "simulator")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Simulator.List())
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	if s.deps.Simulator == nil {
		s.unavailable(w, "simulator")
		return
	}

	p, err := s.deps.Simulator.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, "process", err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

// handleStreamProcess streams process events. The first event carries the
// current snapshot; a done event follows the final one.
func (s *Server) handleStreamProcess(w http.ResponseWriter, r *http.Request) {
	if s.deps.Simulator == nil {
		s.unavailable(w, "simulator")
		return
	}
	id := chi.URLParam(r, "id")

	if _, err := s.deps.Simulator.Get(id); err != nil {
		s.writeErr(w, "process", err)
		return
	}

	ch, unsub := s.deps.Simulator.Broker().Subscribe(id)
	defer unsub()

	p, err := s.deps.Simulator.Get(id)
	if err != nil {
		s.writeErr(w, "process", err)
		return
	}
	streamSSE(s, w, r, "process", []simulator.Event{{ProcessID: id, Process: p}}, ch)
}

func (s *Server) handleCancelProcess(w http.ResponseWriter, r *http.Request) {
	if s.deps.Simulator == nil {
		s.unavailable(w, "simulator")
		return
	}
	id := chi.URLParam(r, "id")

	if err := s.deps.Simulator.Cancel(id); err != nil {
		s.writeErr(w, "process", err)
		return
	}

	// The process goroutine records the cancellation asynchronously.
	p, err := s.deps.Simulator.Get(id)
	if err != nil {
		s.writeErr(w, "process", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, p)
}
