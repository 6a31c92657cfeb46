// Package api exposes the fleet over HTTP: inventory CRUD, discovery,
// bulk command executions and a websocket progress stream.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fleet-plex/internal/command"
	"fleet-plex/internal/discovery"
	"fleet-plex/internal/logging"
	"fleet-plex/internal/store"
)

// Server holds shared state for all API handlers.
type Server struct {
	Store     store.Store
	Commands  *command.Service
	Discovery *discovery.Service
	Events    http.Handler // websocket progress stream
	Metrics   http.Handler
	Logger    *logging.Logger
}

// NewRouter builds the chi router with all API routes.
func NewRouter(s *Server) http.Handler {
	if s.Logger == nil {
		s.Logger = logging.Discard()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.Logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", s.Health)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		// Connections
		r.Get("/connections", s.ListConnections)
		r.Post("/connections", s.CreateConnection)
		r.Get("/connections/{id}", s.GetConnection)
		r.Put("/connections/{id}", s.UpdateConnection)
		r.Delete("/connections/{id}", s.DeleteConnection)

		// Credentials
		r.Get("/credentials", s.ListCredentials)
		r.Post("/credentials", s.CreateCredential)
		r.Get("/credentials/{id}", s.GetCredential)
		r.Put("/credentials/{id}", s.UpdateCredential)
		r.Delete("/credentials/{id}", s.DeleteCredential)

		// Groups
		r.Get("/groups", s.ListGroups)
		r.Post("/groups", s.CreateGroup)
		r.Get("/groups/{id}", s.GetGroup)
		r.Put("/groups/{id}", s.UpdateGroup)
		r.Delete("/groups/{id}", s.DeleteGroup)

		// Providers and discovery
		r.Get("/providers", s.ListProviders)
		r.Post("/providers", s.CreateProvider)
		r.Get("/providers/{id}", s.GetProvider)
		r.Put("/providers/{id}", s.UpdateProvider)
		r.Delete("/providers/{id}", s.DeleteProvider)
		r.Get("/providers/{id}/hosts", s.ListDiscoveredHosts)
		r.Post("/providers/{id}/discover", s.DiscoverProvider)
		r.Post("/providers/{id}/sync", s.SyncProvider)

		r.Get("/hosts/{id}", s.GetDiscoveredHost)
		r.Delete("/hosts/{id}", s.DeleteDiscoveredHost)
		r.Post("/hosts/{id}/import", s.ImportHost)

		// Saved commands
		r.Get("/saved-commands", s.ListSavedCommands)
		r.Post("/saved-commands", s.CreateSavedCommand)
		r.Get("/saved-commands/{id}", s.GetSavedCommand)
		r.Put("/saved-commands/{id}", s.UpdateSavedCommand)
		r.Delete("/saved-commands/{id}", s.DeleteSavedCommand)
		r.Post("/saved-commands/{id}/run", s.RunSavedCommand)

		// Executions
		r.Post("/executions", s.CreateExecution)
		r.Post("/executions/plan", s.PlanExecution)
		r.Get("/executions", s.ListExecutions)
		r.Get("/executions/{id}", s.GetExecution)
		r.Post("/executions/{id}/cancel", s.CancelExecution)
	})

	// WebSocket (outside /api to avoid JSON content-type assumptions)
	if s.Events != nil {
		r.Method(http.MethodGet, "/ws/executions", s.Events)
	}

	return r
}

// Health reports liveness.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
