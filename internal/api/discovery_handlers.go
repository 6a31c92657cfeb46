package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fleet-plex/internal/discovery"
	"fleet-plex/internal/model"
)

// providerPayload carries the provider secret, which model.Provider never serializes.
type providerPayload struct {
	model.Provider
	Secret string `json:"secret,omitempty"`
}

type importRequest struct {
	Name         string `json:"name,omitempty"`
	Port         int    `json:"port,omitempty"`
	Username     string `json:"username,omitempty"`
	CredentialID string `json:"credentialId,omitempty"`
	GroupID      string `json:"groupId,omitempty"`
}

func (s *Server) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.Store.ListProviders(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

func (s *Server) GetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.Store.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) CreateProvider(w http.ResponseWriter, r *http.Request) {
	var in providerPayload
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	p := in.Provider
	p.ID = ""
	p.Secret = in.Secret
	p.LastSyncAt = nil
	if err := validateProvider(p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Store.UpsertProvider(r.Context(), &p); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// UpdateProvider replaces a provider's settings. An omitted secret keeps the stored one.
func (s *Server) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.Store.GetProvider(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}

	var in providerPayload
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	p := in.Provider
	p.ID = id
	p.Secret = in.Secret
	if p.Secret == "" {
		p.Secret = existing.Secret
	}
	p.LastSyncAt = existing.LastSyncAt
	if err := validateProvider(p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Store.UpsertProvider(r.Context(), &p); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteProvider(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateProvider(p model.Provider) error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	if p.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if _, err := discovery.DefaultAdapters().For(p.Type); err != nil {
		return err
	}
	return nil
}

// ListDiscoveredHosts returns the stored inventory of one provider.
func (s *Server) ListDiscoveredHosts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.Store.GetProvider(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}
	hosts, err := s.Store.GetDiscoveredHosts(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if hosts == nil {
		hosts = []model.DiscoveredHost{}
	}
	writeJSON(w, http.StatusOK, hosts)
}

// DiscoverProvider fetches the provider's live host list without storing it.
func (s *Server) DiscoverProvider(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.Discovery.DiscoverHosts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if hosts == nil {
		hosts = []model.DiscoveredHost{}
	}
	writeJSON(w, http.StatusOK, hosts)
}

// SyncProvider reconciles the provider's live host list into the inventory.
func (s *Server) SyncProvider(w http.ResponseWriter, r *http.Request) {
	result, err := s.Discovery.SyncProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) GetDiscoveredHost(w http.ResponseWriter, r *http.Request) {
	host, err := s.Store.GetDiscoveredHost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if host == nil {
		writeError(w, http.StatusNotFound, "discovered host not found")
		return
	}
	writeJSON(w, http.StatusOK, host)
}

func (s *Server) DeleteDiscoveredHost(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteDiscoveredHost(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ImportHost turns a discovered host into a saved connection.
func (s *Server) ImportHost(w http.ResponseWriter, r *http.Request) {
	var in importRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	conn, err := s.Discovery.ImportHost(r.Context(), chi.URLParam(r, "id"), discovery.ImportOptions{
		Name:         in.Name,
		Port:         in.Port,
		Username:     in.Username,
		CredentialID: in.CredentialID,
		GroupID:      in.GroupID,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}
