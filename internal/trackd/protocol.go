package trackd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/nerrad567/motionlink/internal/tracking"
)

// Framing constants.
const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4

	// DefaultMaxMessageSize bounds a single frame. Stereo images are the
	// largest payload the service sends.
	DefaultMaxMessageSize = 4 << 20
)

// Framing errors.
var (
	// ErrMessageTooLarge indicates the frame exceeds the maximum size.
	ErrMessageTooLarge = errors.New("trackd: message too large")

	// ErrMessageEmpty indicates a frame without a kind byte.
	ErrMessageEmpty = errors.New("trackd: message is empty")

	// ErrFrameTruncated indicates the stream ended inside a frame.
	ErrFrameTruncated = errors.New("trackd: frame truncated")
)

// Kind is the first byte of every frame.
type Kind uint8

// Frame kinds.
const (
	KindEvent    Kind = 0x01
	KindRequest  Kind = 0x02
	KindResponse Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return fmt.Sprintf("kind(0x%02X)", uint8(k))
	}
}

// Op identifies a request.
type Op uint16

// Request operations.
const (
	OpHello              Op = 0x01
	OpSetPolicy          Op = 0x10
	OpSetTrackingMode    Op = 0x11
	OpFrameSize          Op = 0x20
	OpInterpolateFrame   Op = 0x21
	OpOpenDevice         Op = 0x30
	OpDeviceInfo         Op = 0x31
	OpCloseDevice        Op = 0x32
	OpRequestConfigValue Op = 0x40
	OpSaveConfigValue    Op = 0x41
)

var opNames = map[Op]string{
	OpHello:              "hello",
	OpSetPolicy:          "set_policy",
	OpSetTrackingMode:    "set_tracking_mode",
	OpFrameSize:          "frame_size",
	OpInterpolateFrame:   "interpolate_frame",
	OpOpenDevice:         "open_device",
	OpDeviceInfo:         "device_info",
	OpCloseDevice:        "close_device",
	OpRequestConfigValue: "request_config_value",
	OpSaveConfigValue:    "save_config_value",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(0x%04X)", uint16(o))
}

// Envelope wraps every frame body.
//
// Events set Event and Payload. Requests set ID, Op and Payload. Responses
// echo the request ID and Op and carry a Result; a response may carry a
// payload even when Result is not ResultSuccess.
type Envelope struct {
	ID       uint32             `cbor:"1,keyasint,omitempty"`
	Op       Op                 `cbor:"2,keyasint,omitempty"`
	Event    tracking.EventType `cbor:"3,keyasint,omitempty"`
	Result   tracking.Result    `cbor:"4,keyasint,omitempty"`
	DeviceID uint32             `cbor:"5,keyasint,omitempty"`
	Payload  cbor.RawMessage    `cbor:"6,keyasint,omitempty"`
}

// Request and response payloads.
type (
	// HelloRequest opens a session with a service namespace.
	HelloRequest struct {
		Namespace string `cbor:"1,keyasint"`
		Version   uint32 `cbor:"2,keyasint"`
	}

	// HelloResponse answers HelloRequest.
	HelloResponse struct {
		ServiceVersion string `cbor:"1,keyasint"`
	}

	// PolicyRequest sets and clears policy flags.
	PolicyRequest struct {
		Set   tracking.PolicyFlag `cbor:"1,keyasint"`
		Clear tracking.PolicyFlag `cbor:"2,keyasint"`
	}

	// TrackingModeRequest selects a tracking mode.
	TrackingModeRequest struct {
		Mode tracking.TrackingMode `cbor:"1,keyasint"`
	}

	// FrameRequest addresses an interpolated frame by timestamp.
	// Size is the buffer size of an InterpolateFrame request.
	FrameRequest struct {
		Timestamp int64  `cbor:"1,keyasint"`
		Size      uint32 `cbor:"2,keyasint,omitempty"`
	}

	// FrameSizeResponse answers OpFrameSize.
	FrameSizeResponse struct {
		Size uint32 `cbor:"1,keyasint"`
	}

	// FrameResponse carries an interpolated frame in its byte form.
	FrameResponse struct {
		Frame []byte `cbor:"1,keyasint"`
	}

	// OpenDeviceRequest opens an announced device.
	OpenDeviceRequest struct {
		Device tracking.DeviceRef `cbor:"1,keyasint"`
	}

	// DeviceHandleMessage carries a device handle.
	DeviceHandleMessage struct {
		Handle tracking.DeviceHandle `cbor:"1,keyasint"`
	}

	// DeviceInfoRequest asks for device properties. SerialCapacity is the
	// size of the caller's serial buffer.
	DeviceInfoRequest struct {
		Handle         tracking.DeviceHandle `cbor:"1,keyasint"`
		SerialCapacity uint32                `cbor:"2,keyasint"`
	}

	// ConfigKeyRequest names a config value.
	ConfigKeyRequest struct {
		Key string `cbor:"1,keyasint"`
	}

	// ConfigSaveRequest stores a config value.
	ConfigSaveRequest struct {
		Key   string               `cbor:"1,keyasint"`
		Value tracking.ConfigValue `cbor:"2,keyasint"`
	}

	// ConfigRequestResponse carries the request ID the later config event
	// will refer to.
	ConfigRequestResponse struct {
		RequestID uint32 `cbor:"1,keyasint"`
	}
)

// ProtocolVersion is sent in HelloRequest.
const ProtocolVersion = 1

// FrameWriter writes kind-tagged, length-prefixed frames.
// Thread-safe: can be called from multiple goroutines.
type FrameWriter struct {
	w              io.Writer
	maxMessageSize uint32
	mu             sync.Mutex
}

// NewFrameWriter creates a frame writer with the default size limit.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w, maxMessageSize: DefaultMaxMessageSize}
}

// WriteFrame writes one frame. The length prefix covers the kind byte and
// the body.
func (fw *FrameWriter) WriteFrame(kind Kind, body []byte) error {
	n := len(body) + 1
	if uint64(n) > uint64(fw.maxMessageSize) {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, fw.maxMessageSize)
	}

	buf := make([]byte, LengthPrefixSize+n)
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(n))
	buf[LengthPrefixSize] = byte(kind)
	copy(buf[LengthPrefixSize+1:], body)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteEnvelope encodes env and writes it as one frame.
func (fw *FrameWriter) WriteEnvelope(kind Kind, env *Envelope) error {
	body, err := tracking.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return fw.WriteFrame(kind, body)
}

// FrameReader reads kind-tagged, length-prefixed frames.
type FrameReader struct {
	r              io.Reader
	maxMessageSize uint32
	lengthBuf      [LengthPrefixSize]byte
}

// NewFrameReader creates a frame reader with the given size limit.
// A zero limit selects DefaultMaxMessageSize.
func NewFrameReader(r io.Reader, maxSize uint32) *FrameReader {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &FrameReader{r: r, maxMessageSize: maxSize}
}

// ReadFrame reads one frame and returns its kind and body.
// Returns io.EOF only on a clean end of stream between frames.
func (fr *FrameReader) ReadFrame() (Kind, []byte, error) {
	if _, err := io.ReadFull(fr.r, fr.lengthBuf[:]); err != nil {
		if err == io.EOF {
			return 0, nil, err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, ErrFrameTruncated
		}
		return 0, nil, fmt.Errorf("read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(fr.lengthBuf[:])
	if length == 0 {
		return 0, nil, ErrMessageEmpty
	}
	if length > fr.maxMessageSize {
		return 0, nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, fr.maxMessageSize)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(fr.r, frame); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return 0, nil, ErrFrameTruncated
		}
		return 0, nil, fmt.Errorf("read frame: %w", err)
	}
	return Kind(frame[0]), frame[1:], nil
}

// ReadEnvelope reads one frame and decodes its envelope.
func (fr *FrameReader) ReadEnvelope() (Kind, *Envelope, error) {
	kind, body, err := fr.ReadFrame()
	if err != nil {
		return 0, nil, err
	}
	env := &Envelope{}
	if err := tracking.Unmarshal(body, env); err != nil {
		return kind, nil, fmt.Errorf("%w: decode envelope: %w", ErrMalformed, err)
	}
	return kind, env, nil
}

// NewEvent builds an event envelope with payload encoded.
func NewEvent(t tracking.EventType, deviceID uint32, payload any) (*Envelope, error) {
	env := &Envelope{Event: t, DeviceID: deviceID}
	if payload != nil {
		data, err := tracking.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}

// DecodeEvent converts an event envelope to a polled message.
// Event types this package does not know are returned with no payload so
// the session can count and discard them.
func DecodeEvent(env *Envelope) (*tracking.Message, error) {
	msg := &tracking.Message{Type: env.Event, DeviceID: env.DeviceID}

	var target any
	switch env.Event {
	case tracking.EventConnection:
		msg.Connection = &tracking.ConnectionEvent{}
		target = msg.Connection
	case tracking.EventConnectionLost:
		msg.ConnectionLost = &tracking.ConnectionLostEvent{}
		target = msg.ConnectionLost
	case tracking.EventDevice, tracking.EventDeviceLost:
		msg.Device = &tracking.DeviceEvent{}
		target = msg.Device
	case tracking.EventDeviceFailure:
		msg.DeviceFailure = &tracking.DeviceFailureEvent{}
		target = msg.DeviceFailure
	case tracking.EventTracking:
		msg.Tracking = &tracking.TrackingEvent{}
		target = msg.Tracking
	case tracking.EventImage:
		msg.Image = &tracking.ImageEvent{}
		target = msg.Image
	case tracking.EventLog:
		msg.Log = &tracking.LogEvent{}
		target = msg.Log
	case tracking.EventPolicy:
		msg.Policy = &tracking.PolicyEvent{}
		target = msg.Policy
	case tracking.EventTrackingMode:
		msg.TrackingMode = &tracking.TrackingModeEvent{}
		target = msg.TrackingMode
	case tracking.EventConfigChange:
		msg.ConfigChange = &tracking.ConfigChangeEvent{}
		target = msg.ConfigChange
	case tracking.EventConfigResponse:
		msg.ConfigResponse = &tracking.ConfigResponseEvent{}
		target = msg.ConfigResponse
	default:
		return msg, nil
	}

	if len(env.Payload) > 0 {
		if err := tracking.Unmarshal(env.Payload, target); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %w", ErrMalformed, env.Event, err)
		}
	}
	return msg, nil
}
