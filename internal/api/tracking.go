package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/motionlink/internal/audit"
	"github.com/nerrad567/motionlink/internal/bridge"
	"github.com/nerrad567/motionlink/internal/tracking"
)

// policyRequest is the request body for PUT /policy.
type policyRequest struct {
	Set   []string `json:"set"`
	Clear []string `json:"clear"`
}

// trackingModeRequest is the request body for PUT /tracking-mode.
type trackingModeRequest struct {
	Mode string `json:"mode"`
}

// handleGetFrame returns a copy of the latest tracking frame.
func (s *Server) handleGetFrame(w http.ResponseWriter, _ *http.Request) {
	var frame tracking.TrackingEvent
	if !s.session.CopyLatestFrame(&frame) {
		writeNotFound(w, "no frame received yet")
		return
	}
	writeJSON(w, http.StatusOK, &frame)
}

// handleGetInterpolatedFrame asks the service for the frame at ?timestamp=
// (microseconds on the service clock).
func (s *Server) handleGetInterpolatedFrame(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("timestamp")
	if raw == "" {
		writeBadRequest(w, "timestamp query parameter is required")
		return
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeBadRequest(w, "timestamp must be an integer (microseconds)")
		return
	}

	// The returned frame is owned by the session until the next call, so it
	// is encoded before the lock is released.
	s.interpMu.Lock()
	defer s.interpMu.Unlock()

	frame, err := s.session.InterpolatedFrameAt(ts)
	switch {
	case errors.Is(err, tracking.ErrNotOpen):
		writeUnavailable(w, "tracking session not open")
		return
	case err != nil:
		s.logger.Warn("interpolation failed", "timestamp", ts, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
		return
	case frame == nil:
		writeNotFound(w, "no frame at timestamp")
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

// handleGetDevice returns the properties of the attached device.
func (s *Server) handleGetDevice(w http.ResponseWriter, _ *http.Request) {
	info := s.session.DeviceProperties()
	if info == nil {
		writeNotFound(w, "no device attached")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleSetPolicy applies a policy change through the bridge.
func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	s.submit(w, r, bridge.CommandMessage{
		Command: bridge.CommandSetPolicy,
		Parameters: map[string]any{
			"set":   toAnySlice(req.Set),
			"clear": toAnySlice(req.Clear),
		},
	})
}

// handleSetTrackingMode applies a tracking mode through the bridge.
func (s *Server) handleSetTrackingMode(w http.ResponseWriter, r *http.Request) {
	var req trackingModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	s.submit(w, r, bridge.CommandMessage{
		Command:    bridge.CommandSetTrackingMode,
		Parameters: map[string]any{"mode": req.Mode},
	})
}

// submit hands cmd to the bridge and translates its acknowledgement into an
// HTTP response. Accepted commands answer 202 with the ack.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, cmd bridge.CommandMessage) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	cmd.Source = audit.SourceAPI
	if subject, ok := r.Context().Value(ctxKeySubject).(string); ok {
		cmd.Subject = subject
	}

	var ack bridge.AckMessage
	select {
	case ack = <-s.bridge.Submit(cmd):
	case <-ctx.Done():
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "command not acknowledged in time")
		return
	}

	if ack.Status == bridge.AckAccepted {
		writeJSON(w, http.StatusAccepted, ack)
		return
	}

	status := http.StatusInternalServerError
	code := ErrCodeInternal
	if ack.Error != nil {
		switch ack.Error.Code {
		case bridge.ErrCodeInvalidCommand, bridge.ErrCodeInvalidParameters:
			status, code = http.StatusBadRequest, ErrCodeValidation
		case bridge.ErrCodeNotConnected, bridge.ErrCodeBusy:
			status, code = http.StatusServiceUnavailable, ErrCodeUnavailable
		case bridge.ErrCodeServiceError:
			status, code = http.StatusBadGateway, ErrCodeUpstream
		}
	}
	writeJSON(w, status, commandError{
		Error: Error{Status: status, Code: code, Message: ackMessage(ack)},
		Ack:   ack,
	})
}

// commandError carries the rejected ack alongside the usual error fields.
type commandError struct {
	Error
	Ack bridge.AckMessage `json:"ack"`
}

func ackMessage(ack bridge.AckMessage) string {
	if ack.Error == nil {
		return "command failed"
	}
	return ack.Error.Message
}

func toAnySlice(names []string) []any {
	if len(names) == 0 {
		return nil
	}
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = n
	}
	return out
}

// sessionStatus is the session part of GET /status.
type sessionStatus struct {
	Running           bool      `json:"running"`
	Connected         bool      `json:"connected"`
	FramesReceived    uint64    `json:"frames_received"`
	ImagesReceived    uint64    `json:"images_received"`
	DevicesAttached   uint64    `json:"devices_attached"`
	DeferredPosted    uint64    `json:"deferred_posted"`
	DeferredDropped   uint64    `json:"deferred_dropped"`
	PollErrors        uint64    `json:"poll_errors"`
	UnknownMessages   uint64    `json:"unknown_messages"`
	MalformedMessages uint64    `json:"malformed_messages"`
	StaleTasks        uint64    `json:"stale_tasks"`
	LeakedLoops       uint64    `json:"leaked_loops"`
	LastFrameAt       time.Time `json:"last_frame_at,omitzero"`
	Policy            []string  `json:"policy"`
	TrackingMode      string    `json:"tracking_mode"`
}

func newSessionStatus(st tracking.Stats) sessionStatus {
	policy := st.CurrentPolicy.Names()
	if policy == nil {
		policy = []string{}
	}
	return sessionStatus{
		Running:           st.Running,
		Connected:         st.Connected,
		FramesReceived:    st.FramesReceived,
		ImagesReceived:    st.ImagesReceived,
		DevicesAttached:   st.DevicesAttached,
		DeferredPosted:    st.DeferredPosted,
		DeferredDropped:   st.DeferredDropped,
		PollErrors:        st.PollErrors,
		UnknownMessages:   st.UnknownMessages,
		MalformedMessages: st.MalformedMessages,
		StaleTasks:        st.StaleTasks,
		LeakedLoops:       st.LeakedLoops,
		LastFrameAt:       st.LastFrameAt,
		Policy:            policy,
		TrackingMode:      st.CurrentMode.String(),
	}
}
