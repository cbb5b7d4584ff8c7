package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/motionlink/internal/history"
)

// handleListDevices returns the latest recorded event for every device seen.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "device history is not configured")
		return
	}

	devices, err := s.history.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("failed to list devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}
	if devices == nil {
		devices = []history.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleDeviceHistory returns recorded events for one device, newest first.
// ?limit= caps the number of entries.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "device history is not configured")
		return
	}

	serial := chi.URLParam(r, "serial")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.history.GetHistory(r.Context(), serial, limit)
	if err != nil {
		if errors.Is(err, history.ErrSerialRequired) {
			writeBadRequest(w, err.Error())
			return
		}
		s.logger.Error("failed to get device history", "serial", serial, "error", err)
		writeInternalError(w, "failed to get device history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"serial":  serial,
		"entries": entries,
		"count":   len(entries),
	})
}
