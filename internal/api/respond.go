package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/conduit/internal/errdefs"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// decodeBody decodes a size-limited JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeErr maps err onto a status code and a message safe to show callers.
// Unexpected errors are logged with what.
func (s *Server) writeErr(w http.ResponseWriter, what string, err error) {
	var (
		validation *errdefs.ValidationError
		transport  *errdefs.TransportError
		protocol   *errdefs.ProtocolError
	)
	switch {
	case errors.As(err, &validation):
		s.writeError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, errdefs.ErrNotFound):
		s.writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, errdefs.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errdefs.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, "shutting down")
	case errors.As(err, &transport), errors.As(err, &protocol):
		s.logger.Warn("remote call failed", "what", what, "error", err)
		s.writeError(w, http.StatusBadGateway, errdefs.UserMessage(err))
	default:
		s.logger.Error("request failed", "what", what, "error", err)
		s.writeError(w, http.StatusInternalServerError, errdefs.UserMessage(err))
	}
}

// unavailable answers for routes whose component is not configured.
func (s *Server) unavailable(w http.ResponseWriter, what string) {
	s.writeError(w, http.StatusServiceUnavailable, what+" is not configured")
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// pageParams reads limit and offset, clamping them to sane values.
func pageParams(r *http.Request) (limit, offset int) {
	limit = parseIntQuery(r, "limit", defaultListLimit)
	offset = parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
