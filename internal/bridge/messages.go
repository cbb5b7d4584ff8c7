package bridge

import (
	"time"

	"github.com/nerrad567/motionlink/internal/tracking"
)

// MQTT payloads exchanged with consumers of the bridge.
// All payloads are JSON; timestamps are UTC.

// ConnectionMessage reports the tracking service connection state.
// Topic: {prefix}/status/service
// QoS: 1, Retained: Yes
type ConnectionMessage struct {
	Status    string    `json:"status"` // "connected" or "disconnected"
	Bridge    string    `json:"bridge"`
	Timestamp time.Time `json:"timestamp"`
}

// Connection states.
const (
	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"
)

// DeviceMessage reports a device lifecycle event.
// Topic: {prefix}/device/{serial}
// QoS: 1, Retained: Yes
type DeviceMessage struct {
	Serial    string               `json:"serial"`
	Event     string               `json:"event"` // found, lost, failure
	Status    uint32               `json:"status"`
	Failed    bool                 `json:"failed"`
	Handle    uint64               `json:"handle,omitempty"`
	Info      *tracking.DeviceInfo `json:"info,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// HandSummary is the per-hand part of a FrameSummary. Pinch and grab are
// passed through as reported.
type HandSummary struct {
	ID            uint32          `json:"id"`
	Type          string          `json:"type"`
	Confidence    float32         `json:"confidence"`
	PinchStrength float32         `json:"pinch_strength"`
	GrabStrength  float32         `json:"grab_strength"`
	Palm          tracking.Vector `json:"palm"`
}

// FrameSummary is a reduced tracking frame.
// Topic: {prefix}/frame
// QoS: 0, Retained: No
type FrameSummary struct {
	Device    string        `json:"device,omitempty"`
	FrameID   int64         `json:"frame_id"`
	Timestamp int64         `json:"timestamp_us"`
	FrameRate float32       `json:"framerate"`
	HandCount int           `json:"hand_count"`
	Hands     []HandSummary `json:"hands"`
}

// set fills s from frame, reusing the Hands allocation.
func (s *FrameSummary) set(device string, frame *tracking.TrackingEvent) {
	s.Device = device
	s.FrameID = frame.FrameID
	s.Timestamp = frame.Timestamp
	s.FrameRate = frame.FrameRate
	s.HandCount = len(frame.Hands)
	s.Hands = s.Hands[:0]
	for i := range frame.Hands {
		h := &frame.Hands[i]
		s.Hands = append(s.Hands, HandSummary{
			ID:            h.ID,
			Type:          h.Type.String(),
			Confidence:    h.Confidence,
			PinchStrength: h.PinchStrength,
			GrabStrength:  h.GrabStrength,
			Palm:          h.Palm.Position,
		})
	}
}

func (s *FrameSummary) clone() FrameSummary {
	c := *s
	c.Hands = append([]HandSummary(nil), s.Hands...)
	return c
}

// LogMessage forwards a log line from the tracking service.
// Topic: {prefix}/log
type LogMessage struct {
	Severity  string    `json:"severity"`
	ServiceTS int64     `json:"service_timestamp_us"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PolicyMessage reports the policy in effect.
// Topic: {prefix}/state/policy
// QoS: 1, Retained: Yes
type PolicyMessage struct {
	Flags     uint32    `json:"flags"`
	Names     []string  `json:"names"`
	Timestamp time.Time `json:"timestamp"`
}

// TrackingModeMessage reports the tracking mode in effect.
// Topic: {prefix}/state/tracking_mode
// QoS: 1, Retained: Yes
type TrackingModeMessage struct {
	Mode      string    `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

// ConfigResponseMessage answers request_config and save_config commands.
// Topic: {prefix}/config/response/{command_id}
type ConfigResponseMessage struct {
	CommandID string                `json:"command_id,omitempty"`
	RequestID uint32                `json:"request_id"`
	Key       string                `json:"key,omitempty"`
	Value     *tracking.ConfigValue `json:"value,omitempty"`
	Text      string                `json:"text,omitempty"`
	Saved     *bool                 `json:"saved,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// CommandMessage is sent by consumers to control the session.
// Topic: {prefix}/command/{command}
type CommandMessage struct {
	// ID correlates the acknowledgment. Generated when empty.
	ID string `json:"id"`

	// Command is the command name. Defaults to the last topic level.
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"set": ["images"], "clear": ["background_frames"]} for set_policy
	//   {"mode": "hmd"} for set_tracking_mode
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source and Subject identify the sender for the audit trail. They are
	// set by the receiving side, never taken from the payload.
	Source  string `json:"-"`
	Subject string `json:"-"`
}

// Command names.
const (
	CommandSetPolicy       = "set_policy"
	CommandSetPolicyFlag   = "set_policy_flag"
	CommandSetTrackingMode = "set_tracking_mode"
	CommandEnableImages    = "enable_images"
	CommandRequestConfig   = "request_config"
	CommandSaveConfig      = "save_config"
)

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was handed to the session.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"
)

// AckMessage acknowledges a command.
// Topic: {prefix}/ack/{command_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Command   string    `json:"command"`
	Status    AckStatus `json:"status"`
	RequestID uint32    `json:"request_id,omitempty"`
	Error     *AckError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConnected      = "NOT_CONNECTED"
	ErrCodeBusy              = "BUSY"
	ErrCodeServiceError      = "SERVICE_ERROR"
)

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports operational status.
// Topic: {prefix}/health
// QoS: 1, Retained: Yes
// Interval: 30 seconds by default
type HealthMessage struct {
	Bridge        string            `json:"bridge"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Connection    *ConnectionStatus `json:"connection,omitempty"`
	Statistics    *Statistics       `json:"statistics,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the tracking service connection.
type ConnectionStatus struct {
	Status  string `json:"status"`
	Address string `json:"address,omitempty"`
	Device  string `json:"device,omitempty"`
}

// Statistics combines session and bridge counters.
type Statistics struct {
	FramesReceived   uint64 `json:"frames_received"`
	FramesPublished  uint64 `json:"frames_published"`
	FramesSuperseded uint64 `json:"frames_superseded"`
	ImagesReceived   uint64 `json:"images_received"`
	ImageBytes       uint64 `json:"image_bytes"`
	LogsReceived     uint64 `json:"logs_received"`
	Commands         uint64 `json:"commands"`
	CommandsFailed   uint64 `json:"commands_failed"`
	PublishErrors    uint64 `json:"publish_errors"`
	DeferredDropped  uint64 `json:"deferred_dropped"`
	PollErrors       uint64 `json:"poll_errors"`
}

func newAck(cmd CommandMessage, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Command:   cmd.Command,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
}

func newAckError(cmd CommandMessage, code, message string) AckMessage {
	ack := newAck(cmd, AckFailed)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}
