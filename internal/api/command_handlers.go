package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"fleet-plex/internal/command"
	"fleet-plex/internal/model"
	"fleet-plex/internal/template"
)

const defaultExecutionLimit = 50

type runSavedRequest struct {
	Filter    model.HostFilter  `json:"filter"`
	Variables map[string]string `json:"variables,omitempty"`
}

// --- Saved commands ---

// ListSavedCommands returns stored commands followed by the predefined ones
// that no stored command overrides.
func (s *Server) ListSavedCommands(w http.ResponseWriter, r *http.Request) {
	saved, err := s.Store.ListSavedCommands(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	seen := make(map[string]bool, len(saved))
	for _, c := range saved {
		seen[c.ID] = true
	}
	var predefined []model.SavedCommand
	for id, c := range template.Predefined {
		if !seen[id] {
			predefined = append(predefined, c)
		}
	}
	sort.Slice(predefined, func(i, j int) bool { return predefined[i].ID < predefined[j].ID })

	out := append(make([]model.SavedCommand, 0, len(saved)+len(predefined)), saved...)
	writeJSON(w, http.StatusOK, append(out, predefined...))
}

func (s *Server) GetSavedCommand(w http.ResponseWriter, r *http.Request) {
	c, err := s.Commands.SavedCommand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) CreateSavedCommand(w http.ResponseWriter, r *http.Request) {
	var c model.SavedCommand
	if err := decodeJSON(r, &c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := validateSavedCommand(&c); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Store.UpsertSavedCommand(r.Context(), &c); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) UpdateSavedCommand(w http.ResponseWriter, r *http.Request) {
	var c model.SavedCommand
	if err := decodeJSON(r, &c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	c.ID = chi.URLParam(r, "id")
	if err := validateSavedCommand(&c); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Store.UpsertSavedCommand(r.Context(), &c); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) DeleteSavedCommand(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteSavedCommand(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunSavedCommand starts an execution of a stored or predefined command.
func (s *Server) RunSavedCommand(w http.ResponseWriter, r *http.Request) {
	var in runSavedRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	accepted, err := s.Commands.RunSaved(r.Context(), chi.URLParam(r, "id"), in.Filter, in.Variables)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

func validateSavedCommand(c *model.SavedCommand) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(c.Command) == "" {
		return command.ErrEmptyCommand
	}
	if c.TargetOS == "" {
		c.TargetOS = model.TargetAll
	}
	if !c.TargetOS.Valid() {
		return command.ErrInvalidTargetOS
	}
	return nil
}

// --- Executions ---

// CreateExecution resolves targets and starts the execution. It returns
// once the execution is recorded; progress arrives on the websocket.
func (s *Server) CreateExecution(w http.ResponseWriter, r *http.Request) {
	var req command.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	var (
		accepted *command.Accepted
		err      error
	)
	if req.SavedCommandID != "" && strings.TrimSpace(req.Command) == "" {
		accepted, err = s.Commands.RunSaved(r.Context(), req.SavedCommandID, req.Filter, req.Variables)
	} else {
		accepted, err = s.Commands.Execute(r.Context(), req)
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

// PlanExecution resolves a request without running it.
func (s *Server) PlanExecution(w http.ResponseWriter, r *http.Request) {
	var req command.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	plan, err := s.Commands.Plan(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) ListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := defaultExecutionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive number")
			return
		}
		limit = n
	}
	execs, err := s.Commands.List(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if execs == nil {
		execs = []model.CommandExecution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.Commands.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// CancelExecution asks a running execution to stop starting new batches.
func (s *Server) CancelExecution(w http.ResponseWriter, r *http.Request) {
	accepted, err := s.Commands.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": accepted})
}
