package tracking

import "time"

// DefaultServerNamespace is the service namespace used when none is configured.
const DefaultServerNamespace = "Tracking Service"

// ConnectionConfig is passed to a Connector when a session opens.
type ConnectionConfig struct {
	// ServerNamespace selects the service instance to talk to.
	ServerNamespace string
}

// Connection is an open handle to the tracking service.
//
// Poll is called only from the session's polling goroutine. The request
// methods may be called from any goroutine. Destroy is called exactly once,
// by the polling goroutine after its last Poll.
type Connection interface {
	// Open starts connecting to the service. It must not block waiting for
	// the service; a Connection event is reported by Poll once connected.
	Open() error

	// Poll waits up to timeout for the next message.
	// Returns ResultTimeout when nothing arrived and ResultNotConnected while
	// the service is unreachable.
	Poll(timeout time.Duration) (*Message, error)

	SetPolicyFlags(set, clear PolicyFlag) error
	SetTrackingMode(mode TrackingMode) error

	// FrameSize returns the byte size of the interpolated frame at timestamp.
	FrameSize(timestamp int64) (int, error)

	// InterpolateFrame writes the interpolated frame at timestamp into buf,
	// which is exactly FrameSize bytes long.
	InterpolateFrame(timestamp int64, buf []byte) error

	OpenDevice(ref DeviceRef) (DeviceHandle, error)

	// DeviceInfo fills in the device properties, writing the serial into
	// serial. If serial is too small it returns ResultInsufficientBuffer with
	// SerialLength set to the required size.
	DeviceInfo(handle DeviceHandle, serial []byte) (DeviceInfo, error)

	CloseDevice(handle DeviceHandle)

	// RequestConfigValue asks for a config value. The answer arrives as a
	// ConfigResponse event carrying the returned request ID.
	RequestConfigValue(key string) (uint32, error)

	// SaveConfigValue stores a config value. The outcome arrives as a
	// ConfigChange event carrying the returned request ID.
	SaveConfigValue(key string, value ConfigValue) (uint32, error)

	// Destroy releases the handle.
	Destroy()
}

// Connector creates connections to the tracking service.
type Connector interface {
	CreateConnection(cfg ConnectionConfig) (Connection, error)
}

// ConnectorFunc adapts a function to a Connector.
type ConnectorFunc func(cfg ConnectionConfig) (Connection, error)

// CreateConnection calls f(cfg).
func (f ConnectorFunc) CreateConnection(cfg ConnectionConfig) (Connection, error) {
	return f(cfg)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
