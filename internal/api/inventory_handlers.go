package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fleet-plex/internal/model"
	"fleet-plex/internal/target"
)

const secretMask = model.Masked

// --- Connections ---

func (s *Server) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.Store.GetConnections(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

func (s *Server) GetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.Store.GetConnection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if conn == nil {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (s *Server) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var conn model.ServerConnection
	if err := decodeJSON(r, &conn); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	conn.ID = ""
	if err := normalizeConnection(&conn); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Store.UpsertConnection(r.Context(), &conn); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

func (s *Server) UpdateConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.Store.GetConnection(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}

	var conn model.ServerConnection
	if err := decodeJSON(r, &conn); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	conn.ID = id
	if err := normalizeConnection(&conn); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Store.UpsertConnection(r.Context(), &conn); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (s *Server) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteConnection(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// normalizeConnection fills protocol defaults and validates the address.
func normalizeConnection(conn *model.ServerConnection) error {
	if conn.Type == "" {
		conn.Type = model.ConnSSH
	}
	if conn.Port == 0 {
		switch conn.Type {
		case model.ConnWinRM:
			conn.Port = 5985
		case model.ConnRDP:
			conn.Port = 3389
		case model.ConnSSH, model.ConnSFTP:
			conn.Port = 22
		}
	}
	conn.OSType = model.ParseOSType(string(conn.OSType))
	if conn.Name == "" {
		conn.Name = conn.Hostname
	}
	return target.ValidateConnection(*conn)
}

// --- Credentials ---

func (s *Server) ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.Store.GetCredentials(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]model.Credential, 0, len(creds))
	for _, c := range creds {
		out = append(out, c.Redacted())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) GetCredential(w http.ResponseWriter, r *http.Request) {
	cred, err := s.Store.GetCredential(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if cred == nil {
		writeError(w, http.StatusNotFound, "credential not found")
		return
	}
	writeJSON(w, http.StatusOK, cred.Redacted())
}

func (s *Server) CreateCredential(w http.ResponseWriter, r *http.Request) {
	var cred model.Credential
	if err := decodeJSON(r, &cred); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	cred.ID = ""
	if err := validateCredential(cred); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Store.UpsertCredential(r.Context(), &cred); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred.Redacted())
}

// UpdateCredential replaces a credential. Secrets sent back as the mask
// keep their stored value.
func (s *Server) UpdateCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.Store.GetCredential(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "credential not found")
		return
	}

	var cred model.Credential
	if err := decodeJSON(r, &cred); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	cred.ID = id
	if cred.Password == secretMask {
		cred.Password = existing.Password
	}
	if cred.PrivateKey == secretMask {
		cred.PrivateKey = existing.PrivateKey
	}
	if cred.Passphrase == secretMask {
		cred.Passphrase = existing.Passphrase
	}
	if err := validateCredential(cred); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Store.UpsertCredential(r.Context(), &cred); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cred.Redacted())
}

func (s *Server) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteCredential(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateCredential(cred model.Credential) error {
	if cred.Name == "" {
		return errors.New("name is required")
	}
	switch cred.Type {
	case model.CredPassword, model.CredKey, model.CredAgent:
	default:
		return errors.New("type must be password, key or agent")
	}
	if cred.Type == model.CredKey && cred.PrivateKey == "" {
		return errors.New("key credentials need a private key")
	}
	return nil
}

// --- Groups ---

func (s *Server) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.Store.GetGroups(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) GetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.Store.GetGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if group == nil {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var group model.ConnectionGroup
	if err := decodeJSON(r, &group); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	group.ID = ""
	if err := validateGroup(group); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Store.UpsertGroup(r.Context(), &group); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (s *Server) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.Store.GetGroup(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}

	var group model.ConnectionGroup
	if err := decodeJSON(r, &group); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	group.ID = id
	if err := validateGroup(group); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Store.UpsertGroup(r.Context(), &group); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteGroup(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateGroup(group model.ConnectionGroup) error {
	if group.Name == "" {
		return errors.New("name is required")
	}
	if group.Dynamic && len(group.Rules) == 0 {
		return errors.New("dynamic groups need at least one rule")
	}
	for _, rule := range group.Rules {
		switch rule.Field {
		case model.FieldHostname, model.FieldName, model.FieldOS, model.FieldProvider:
		case model.FieldTag:
			if rule.Key == "" {
				return errors.New("tag rules need a key")
			}
		default:
			return errors.New("unknown rule field " + string(rule.Field))
		}
		switch rule.Operator {
		case model.OpEquals, model.OpContains, model.OpMatches:
		default:
			return errors.New("unknown rule operator " + string(rule.Operator))
		}
	}
	return nil
}
