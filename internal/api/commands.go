package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/conduit/internal/errdefs"
	"github.com/seantiz/conduit/internal/model"
)

// listCommandsResponse wraps the paginated command history.
type listCommandsResponse struct {
	Commands []model.PendingCommand `json:"commands"`
	Total    int                    `json:"total"`
	Limit    int                    `json:"limit"`
	Offset   int                    `json:"offset"`
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	var cmd model.Command
	if err := decodeBody(w, r, &cmd); err != nil {
		var validation *errdefs.ValidationError
		if errors.As(err, &validation) {
			s.writeError(w, http.StatusBadRequest, validation.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	pc, err := s.deps.Queue.Enqueue(cmd)
	if err != nil {
		s.writeErr(w, "command", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, pc)
}

// handleListCommands lists finished commands from the history store. With
// ?source=live it lists the in-memory queue history instead, including
// commands that are still queued or processing.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)

	var (
		commands []model.PendingCommand
		total    int
	)
	if r.URL.Query().Get("source") == "live" {
		all := s.deps.Queue.History()
		total = len(all)
		lo := min(offset, total)
		hi := min(offset+limit, total)
		commands = all[lo:hi]
	} else {
		var err error
		commands, total, err = s.deps.Store.ListCommands(r.Context(), limit, offset)
		if err != nil {
			s.writeErr(w, "commands", err)
			return
		}
	}

	if commands == nil {
		commands = []model.PendingCommand{}
	}
	s.writeJSON(w, http.StatusOK, listCommandsResponse{
		Commands: commands,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func (s *Server) handleListQueued(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Queue.Snapshot())
}

// handleGetCommand prefers the live queue entry and falls back to the store
// for commands trimmed from memory.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	pc, err := s.deps.Queue.Get(id)
	if err == nil {
		s.writeJSON(w, http.StatusOK, pc)
		return
	}
	if !errors.Is(err, errdefs.ErrNotFound) {
		s.writeErr(w, "command", err)
		return
	}

	stored, err := s.deps.Store.GetCommand(r.Context(), id)
	if err != nil {
		s.writeErr(w, "command", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleStreamCommands(w http.ResponseWriter, r *http.Request) {
	ch, unsub := s.deps.Queue.Subscribe()
	defer unsub()

	streamSSE(s, w, r, "command", s.deps.Queue.Snapshot(), ch)
}
