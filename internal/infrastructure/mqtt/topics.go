package mqtt

import (
	"strings"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "motionlink"

// Topics builds the motionlink topic tree under a configurable prefix.
//
//	topics := mqtt.NewTopics("motionlink")
//	topics.Device("LP12345")   // motionlink/device/LP12345
//	topics.Ack("5f0c...")      // motionlink/ack/5f0c...
//
// The zero value uses DefaultTopicPrefix.
type Topics struct {
	prefix string
}

// NewTopics returns builders rooted at prefix. Leading and trailing
// slashes are stripped.
func NewTopics(prefix string) Topics {
	return Topics{prefix: strings.Trim(prefix, "/")}
}

// Prefix returns the root every topic is built under.
func (t Topics) Prefix() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

func (t Topics) join(parts ...string) string {
	return t.Prefix() + "/" + strings.Join(parts, "/")
}

// SystemStatus carries the bridge online/offline status and the LWT.
func (t Topics) SystemStatus() string { return t.join("system", "status") }

// ServiceStatus carries the tracking service connection state (retained).
func (t Topics) ServiceStatus() string { return t.join("status", "service") }

// Device carries the last lifecycle event of one device (retained).
func (t Topics) Device(serial string) string { return t.join("device", sanitize(serial)) }

// AllDevices matches every device topic.
func (t Topics) AllDevices() string { return t.join("device", "+") }

// Frame carries rate-limited frame summaries.
func (t Topics) Frame() string { return t.join("frame") }

// Log carries service log messages.
func (t Topics) Log() string { return t.join("log") }

// Policy carries the active policy flags (retained).
func (t Topics) Policy() string { return t.join("state", "policy") }

// TrackingMode carries the active tracking mode (retained).
func (t Topics) TrackingMode() string { return t.join("state", "tracking_mode") }

// ConfigResponse carries the answer to a config request.
func (t Topics) ConfigResponse(requestID string) string {
	return t.join("config", "response", sanitize(requestID))
}

// Command is the topic a named command is sent on.
func (t Topics) Command(name string) string { return t.join("command", sanitize(name)) }

// AllCommands matches every command topic.
func (t Topics) AllCommands() string { return t.join("command", "#") }

// Ack carries the acknowledgement for one command.
func (t Topics) Ack(commandID string) string { return t.join("ack", sanitize(commandID)) }

// Health carries periodic bridge health reports.
func (t Topics) Health() string { return t.join("health") }

// CommandName extracts the command name from a topic built by Command.
// The second result is false for topics outside the command tree.
func (t Topics) CommandName(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.join("command")+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// sanitize keeps MQTT wildcard and level characters out of a single
// topic level.
func sanitize(level string) string {
	if level == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, level)
}
