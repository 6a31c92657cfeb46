package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"fleet-plex/internal/command"
	"fleet-plex/internal/discovery"
	"fleet-plex/internal/store"
	"fleet-plex/internal/target"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON decodes the request body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// writeServiceError maps service errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.Logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err.Error(),
		)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, command.ErrExecutionNotFound),
		errors.Is(err, command.ErrSavedCommandNotFound),
		errors.Is(err, discovery.ErrProviderNotFound),
		errors.Is(err, discovery.ErrHostNotFound):
		return http.StatusNotFound
	case errors.Is(err, command.ErrEmptyCommand),
		errors.Is(err, command.ErrNoTargets),
		errors.Is(err, command.ErrInvalidTargetOS),
		errors.Is(err, target.ErrGroupNotFound),
		errors.Is(err, target.ErrInvalidFilter),
		errors.Is(err, discovery.ErrUnknownProviderType):
		return http.StatusBadRequest
	case errors.Is(err, discovery.ErrFetch):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
