package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/motionlink/internal/bridge"
	"github.com/nerrad567/motionlink/internal/viewer"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/status", s.handleStatus)

			r.Get("/frame", s.handleGetFrame)
			r.Get("/frame/interpolated", s.handleGetInterpolatedFrame)

			r.Get("/device", s.handleGetDevice)
			r.Get("/devices", s.handleListDevices)
			r.Get("/devices/{serial}/history", s.handleDeviceHistory)

			r.Put("/policy", s.handleSetPolicy)
			r.Put("/tracking-mode", s.handleSetTrackingMode)

			r.Get("/audit", s.handleListAudit)

			r.Get("/ws", s.handleWebSocket)
		})
	})

	// Browser viewer (static, no auth; its WebSocket connection authenticates)
	if s.cfg.Viewer.Enabled {
		page := viewer.Handler(viewer.Options{
			Dir:    s.cfg.Viewer.Dir,
			WSPath: "/api/v1/ws",
		})
		r.Handle("/viewer/*", http.StripPrefix("/viewer", page))
		r.Get("/viewer", func(w http.ResponseWriter, req *http.Request) {
			http.Redirect(w, req, "/viewer/", http.StatusMovedPermanently)
		})
	}

	return r
}

// handleHealth returns the bridge health summary. It answers 200 unless the
// bridge is unhealthy, so load balancers can use it directly.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.bridge.Health()

	status := http.StatusOK
	if h.Status == bridge.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":  h.Status,
		"reason":  h.Reason,
		"version": s.version,
	})
}
