package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/homes/{home_id}/devices", s.handleHomeSnapshot)
	})

	// Realtime subscribe endpoint. The hub owns the connection after
	// the upgrade.
	r.Get("/ws/home/{home_id}", func(w http.ResponseWriter, req *http.Request) {
		s.hub.HandleConnect(w, req, chi.URLParam(req, "home_id"))
	})

	return r
}

// handleHealth returns the server health status and registry counters.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"devices":  s.store.DeviceCount(),
		"entities": s.store.EntityCount(),
		"clients":  s.hub.ClientCount(),
	})
}

// handleHomeSnapshot returns every device of a home with its entities.
// Realtime clients call this after (re)connecting, since hub delivery
// is at-most-once.
func (s *Server) handleHomeSnapshot(w http.ResponseWriter, r *http.Request) {
	homeID := chi.URLParam(r, "home_id")
	if homeID == "" {
		writeBadRequest(w, "home id is required")
		return
	}

	snapshots, err := s.store.Snapshot(r.Context(), homeID)
	if err != nil {
		s.logger.Error("snapshot failed", "home_id", homeID, "error", err)
		writeInternalError(w, "failed to load snapshot")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"home_id": homeID,
		"devices": snapshots,
		"count":   len(snapshots),
	})
}
