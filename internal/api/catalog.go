package api

import (
	"net/http"

	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/simulator"
)

func (s *Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Simulator == nil {
		s.unavailable(w, "simulator")
		return
	}

	templates := []simulator.Template{}
	for _, name := range s.deps.Simulator.Templates() {
		if t, ok := s.deps.Simulator.Template(name); ok {
			templates = append(templates, t)
		}
	}
	s.writeJSON(w, http.StatusOK, templates)
}

func (s *Server) handleListExecutors(w http.ResponseWriter, _ *http.Request) {
	kinds := []model.CommandKind{}
	if s.deps.Executors != nil {
		kinds = append(kinds, s.deps.Executors.Kinds()...)
	}
	s.writeJSON(w, http.StatusOK, kinds)
}
