package tracking

import "fmt"

// EventType identifies the kind of message returned by Connection.Poll.
// Values match the service's wire numbering.
type EventType uint16

// Event types reported by the tracking service.
const (
	EventNone           EventType = 0
	EventConnection     EventType = 1
	EventConnectionLost EventType = 2
	EventDevice         EventType = 3
	EventDeviceFailure  EventType = 4
	EventPolicy         EventType = 5
	EventTracking       EventType = 0x100
	EventImage          EventType = 0x101
	EventLog            EventType = 0x102
	EventDeviceLost     EventType = 0x103
	EventConfigChange   EventType = 0x104
	EventConfigResponse EventType = 0x105
	EventTrackingMode   EventType = 0x106
)

var eventTypeNames = map[EventType]string{
	EventNone:           "none",
	EventConnection:     "connection",
	EventConnectionLost: "connection_lost",
	EventDevice:         "device",
	EventDeviceFailure:  "device_failure",
	EventPolicy:         "policy",
	EventTracking:       "tracking",
	EventImage:          "image",
	EventLog:            "log",
	EventDeviceLost:     "device_lost",
	EventConfigChange:   "config_change",
	EventConfigResponse: "config_response",
	EventTrackingMode:   "tracking_mode",
}

// String returns the snake_case name of the event type.
func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%x)", uint16(t))
}

// PolicyFlag is a bit set of service policies.
type PolicyFlag uint32

// Policy flags understood by the tracking service.
const (
	PolicyBackgroundFrames  PolicyFlag = 0x00000001
	PolicyImages            PolicyFlag = 0x00000002
	PolicyOptimizeHMD       PolicyFlag = 0x00000004
	PolicyAllowPauseResume  PolicyFlag = 0x00000008
	PolicyMapPoints         PolicyFlag = 0x00000080
	PolicyOptimizeScreenTop PolicyFlag = 0x00000100
)

// policyNames lists flags in bit order so Names() is stable.
var policyNames = []struct {
	flag PolicyFlag
	name string
}{
	{PolicyBackgroundFrames, "background_frames"},
	{PolicyImages, "images"},
	{PolicyOptimizeHMD, "optimize_hmd"},
	{PolicyAllowPauseResume, "allow_pause_resume"},
	{PolicyMapPoints, "map_points"},
	{PolicyOptimizeScreenTop, "optimize_screentop"},
}

// Has reports whether every bit of f is set in p.
func (p PolicyFlag) Has(f PolicyFlag) bool {
	return p&f == f
}

// Names returns the names of the known flags set in p.
func (p PolicyFlag) Names() []string {
	names := make([]string, 0, len(policyNames))
	for _, pn := range policyNames {
		if p.Has(pn.flag) {
			names = append(names, pn.name)
		}
	}
	return names
}

// ParsePolicyFlag returns the flag for a name as produced by Names.
func ParsePolicyFlag(name string) (PolicyFlag, error) {
	for _, pn := range policyNames {
		if pn.name == name {
			return pn.flag, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
}

// TrackingMode selects the service's optimisation profile.
type TrackingMode uint32

// Tracking modes.
const (
	TrackingModeDesktop   TrackingMode = 0
	TrackingModeHMD       TrackingMode = 1
	TrackingModeScreenTop TrackingMode = 2
)

func (m TrackingMode) String() string {
	switch m {
	case TrackingModeDesktop:
		return "desktop"
	case TrackingModeHMD:
		return "hmd"
	case TrackingModeScreenTop:
		return "screentop"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(m))
	}
}

// ParseTrackingMode parses "desktop", "hmd" or "screentop".
func ParseTrackingMode(s string) (TrackingMode, error) {
	switch s {
	case "desktop":
		return TrackingModeDesktop, nil
	case "hmd":
		return TrackingModeHMD, nil
	case "screentop":
		return TrackingModeScreenTop, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTrackingMode, s)
	}
}

// LogSeverity is the severity of a service log event.
type LogSeverity uint32

// Log severities.
const (
	LogSeverityUnknown     LogSeverity = 0
	LogSeverityCritical    LogSeverity = 1
	LogSeverityWarning     LogSeverity = 2
	LogSeverityInformation LogSeverity = 3
)

func (s LogSeverity) String() string {
	switch s {
	case LogSeverityCritical:
		return "critical"
	case LogSeverityWarning:
		return "warning"
	case LogSeverityInformation:
		return "information"
	default:
		return "unknown"
	}
}

// DeviceStatus is a bit set describing device health.
type DeviceStatus uint32

// Device status bits.
const (
	DeviceStatusStreaming    DeviceStatus = 0x00000001
	DeviceStatusPaused       DeviceStatus = 0x00000002
	DeviceStatusRobust       DeviceStatus = 0x00000004
	DeviceStatusSmudged      DeviceStatus = 0x00000008
	DeviceStatusLowResource  DeviceStatus = 0x00000010
	DeviceStatusUnknownFail  DeviceStatus = 0xE8010000
	DeviceStatusBadCalib     DeviceStatus = 0xE8010001
	DeviceStatusBadFirmware  DeviceStatus = 0xE8010002
	DeviceStatusBadTransport DeviceStatus = 0xE8010003
	DeviceStatusBadControl   DeviceStatus = 0xE8010004
)

// Failed reports whether the status carries a failure code.
func (s DeviceStatus) Failed() bool {
	return s&0xE8000000 == 0xE8000000
}

// DeviceHandle identifies a device opened through Connection.OpenDevice.
type DeviceHandle uint64

// DeviceRef references an attached device as announced by a Device event.
type DeviceRef struct {
	Handle uint64 `json:"handle" cbor:"1,keyasint"`
	ID     uint32 `json:"id" cbor:"2,keyasint"`
}

// DeviceInfo describes the attached device.
//
// SerialLength is the size of buffer the service needs for the serial,
// including the terminator. It is set even when DeviceInfo fails with
// ResultInsufficientBuffer.
type DeviceInfo struct {
	Serial       string       `json:"serial" cbor:"1,keyasint"`
	SerialLength uint32       `json:"serial_length" cbor:"2,keyasint"`
	Status       DeviceStatus `json:"status" cbor:"3,keyasint"`
	Caps         uint32       `json:"caps" cbor:"4,keyasint"`
	PID          uint32       `json:"pid" cbor:"5,keyasint"`
	Baseline     uint32       `json:"baseline_um" cbor:"6,keyasint"`
	HFOV         float32      `json:"h_fov" cbor:"7,keyasint"`
	VFOV         float32      `json:"v_fov" cbor:"8,keyasint"`
	Range        uint32       `json:"range_um" cbor:"9,keyasint"`
}

// Vector is a position or direction in millimetres.
type Vector struct {
	X float32 `json:"x" cbor:"1,keyasint"`
	Y float32 `json:"y" cbor:"2,keyasint"`
	Z float32 `json:"z" cbor:"3,keyasint"`
}

// Lerp returns the linear interpolation between a and b at t in [0,1].
func (a Vector) Lerp(b Vector, t float32) Vector {
	return Vector{
		X: a.X + (b.X-a.X)*t,
		Y: a.Y + (b.Y-a.Y)*t,
		Z: a.Z + (b.Z-a.Z)*t,
	}
}

// Quaternion is a rotation.
type Quaternion struct {
	X float32 `json:"x" cbor:"1,keyasint"`
	Y float32 `json:"y" cbor:"2,keyasint"`
	Z float32 `json:"z" cbor:"3,keyasint"`
	W float32 `json:"w" cbor:"4,keyasint"`
}

// Bone is one segment of a digit or the arm.
type Bone struct {
	PrevJoint Vector     `json:"prev_joint" cbor:"1,keyasint"`
	NextJoint Vector     `json:"next_joint" cbor:"2,keyasint"`
	Width     float32    `json:"width" cbor:"3,keyasint"`
	Rotation  Quaternion `json:"rotation" cbor:"4,keyasint"`
}

// Digit is a finger or thumb: metacarpal, proximal, intermediate, distal.
type Digit struct {
	FingerID   uint32  `json:"finger_id" cbor:"1,keyasint"`
	Bones      [4]Bone `json:"bones" cbor:"2,keyasint"`
	IsExtended bool    `json:"is_extended" cbor:"3,keyasint"`
}

// Palm describes the palm of a hand.
type Palm struct {
	Position           Vector     `json:"position" cbor:"1,keyasint"`
	StabilizedPosition Vector     `json:"stabilized_position" cbor:"2,keyasint"`
	Velocity           Vector     `json:"velocity" cbor:"3,keyasint"`
	Normal             Vector     `json:"normal" cbor:"4,keyasint"`
	Width              float32    `json:"width" cbor:"5,keyasint"`
	Direction          Vector     `json:"direction" cbor:"6,keyasint"`
	Orientation        Quaternion `json:"orientation" cbor:"7,keyasint"`
}

// HandType distinguishes left from right hands.
type HandType uint32

// Hand types.
const (
	HandLeft  HandType = 0
	HandRight HandType = 1
)

func (h HandType) String() string {
	if h == HandRight {
		return "right"
	}
	return "left"
}

// Hand is one tracked hand. Pinch and grab values are reported by the
// service and passed through unchanged.
type Hand struct {
	ID            uint32   `json:"id" cbor:"1,keyasint"`
	Flags         uint32   `json:"flags" cbor:"2,keyasint"`
	Type          HandType `json:"type" cbor:"3,keyasint"`
	Confidence    float32  `json:"confidence" cbor:"4,keyasint"`
	VisibleTime   uint64   `json:"visible_time_us" cbor:"5,keyasint"`
	PinchDistance float32  `json:"pinch_distance" cbor:"6,keyasint"`
	GrabAngle     float32  `json:"grab_angle" cbor:"7,keyasint"`
	PinchStrength float32  `json:"pinch_strength" cbor:"8,keyasint"`
	GrabStrength  float32  `json:"grab_strength" cbor:"9,keyasint"`
	Palm          Palm     `json:"palm" cbor:"10,keyasint"`
	Digits        [5]Digit `json:"digits" cbor:"11,keyasint"`
	Arm           Bone     `json:"arm" cbor:"12,keyasint"`
}

// TrackingEvent is one tracking frame.
type TrackingEvent struct {
	FrameID         int64   `json:"frame_id" cbor:"1,keyasint"`
	Timestamp       int64   `json:"timestamp_us" cbor:"2,keyasint"`
	TrackingFrameID int64   `json:"tracking_frame_id" cbor:"3,keyasint"`
	FrameRate       float32 `json:"framerate" cbor:"4,keyasint"`
	Hands           []Hand  `json:"hands" cbor:"5,keyasint"`
}

// CopyFrom makes e a deep copy of src, reusing e's Hands allocation when it
// is large enough.
func (e *TrackingEvent) CopyFrom(src *TrackingEvent) {
	hands := e.Hands[:0]
	*e = *src
	e.Hands = append(hands, src.Hands...)
}

// Clone returns a deep copy of e.
func (e *TrackingEvent) Clone() *TrackingEvent {
	c := &TrackingEvent{}
	c.CopyFrom(e)
	return c
}

// ImageFormat is the pixel layout of a sensor image.
type ImageFormat uint32

// Image formats.
const (
	ImageFormatUnknown ImageFormat = 0
	ImageFormatIR      ImageFormat = 0x317249
	ImageFormatRGBIr   ImageFormat = 0x49425247
)

// Image is one sensor image. Data holds Width*Height*BPP bytes.
type Image struct {
	Type   uint32      `json:"type" cbor:"1,keyasint"`
	Format ImageFormat `json:"format" cbor:"2,keyasint"`
	BPP    uint32      `json:"bpp" cbor:"3,keyasint"`
	Width  uint32      `json:"width" cbor:"4,keyasint"`
	Height uint32      `json:"height" cbor:"5,keyasint"`
	Offset uint32      `json:"offset" cbor:"6,keyasint"`
	Data   []byte      `json:"-" cbor:"7,keyasint"`
}

// Size returns the pixel payload size the image header describes.
func (i Image) Size() int {
	return int(i.Width) * int(i.Height) * int(i.BPP)
}

// ImageEvent carries the stereo image pair of one frame.
type ImageEvent struct {
	FrameID   int64    `json:"frame_id" cbor:"1,keyasint"`
	Timestamp int64    `json:"timestamp_us" cbor:"2,keyasint"`
	Images    [2]Image `json:"images" cbor:"3,keyasint"`
}

// Size returns the combined pixel payload of both images.
func (e *ImageEvent) Size() int {
	return e.Images[0].Size() + e.Images[1].Size()
}

// ConnectionEvent is reported when the service connection is established.
type ConnectionEvent struct {
	Flags uint32 `json:"flags" cbor:"1,keyasint"`
}

// ConnectionLostEvent is reported when the service connection drops.
type ConnectionLostEvent struct {
	Flags uint32 `json:"flags" cbor:"1,keyasint"`
}

// DeviceEvent announces an attached or detached device.
type DeviceEvent struct {
	Flags  uint32       `json:"flags" cbor:"1,keyasint"`
	Device DeviceRef    `json:"device" cbor:"2,keyasint"`
	Status DeviceStatus `json:"status" cbor:"3,keyasint"`
}

// DeviceFailureEvent reports a device fault.
type DeviceFailureEvent struct {
	Status DeviceStatus `json:"status" cbor:"1,keyasint"`
	Handle DeviceHandle `json:"handle" cbor:"2,keyasint"`
}

// LogEvent is a log line emitted by the service.
type LogEvent struct {
	Severity  LogSeverity `json:"severity" cbor:"1,keyasint"`
	Timestamp int64       `json:"timestamp_us" cbor:"2,keyasint"`
	Message   string      `json:"message" cbor:"3,keyasint"`
}

// PolicyEvent reports the policy now in effect.
type PolicyEvent struct {
	CurrentPolicy PolicyFlag `json:"current_policy" cbor:"1,keyasint"`
}

// TrackingModeEvent reports the tracking mode now in effect.
type TrackingModeEvent struct {
	CurrentMode TrackingMode `json:"current_mode" cbor:"1,keyasint"`
}

// ConfigChangeEvent answers a SaveConfigValue request.
type ConfigChangeEvent struct {
	RequestID uint32 `json:"request_id" cbor:"1,keyasint"`
	Status    bool   `json:"status" cbor:"2,keyasint"`
}

// ConfigResponseEvent answers a RequestConfigValue request.
type ConfigResponseEvent struct {
	RequestID uint32      `json:"request_id" cbor:"1,keyasint"`
	Value     ConfigValue `json:"value" cbor:"2,keyasint"`
}

// ValueType tags the active member of a ConfigValue.
type ValueType uint8

// Config value types.
const (
	ValueUnknown ValueType = iota
	ValueBool
	ValueInt
	ValueFloat
	ValueString
)

// ConfigValue is a service configuration value.
type ConfigValue struct {
	Type   ValueType `json:"type" cbor:"1,keyasint"`
	Bool   bool      `json:"bool,omitempty" cbor:"2,keyasint,omitempty"`
	Int    int32     `json:"int,omitempty" cbor:"3,keyasint,omitempty"`
	Float  float32   `json:"float,omitempty" cbor:"4,keyasint,omitempty"`
	String string    `json:"string,omitempty" cbor:"5,keyasint,omitempty"`
}

// Text renders the active member of v.
func (v ConfigValue) Text() string {
	switch v.Type {
	case ValueBool:
		return fmt.Sprintf("%t", v.Bool)
	case ValueInt:
		return fmt.Sprintf("%d", v.Int)
	case ValueFloat:
		return fmt.Sprintf("%g", v.Float)
	case ValueString:
		return v.String
	default:
		return ""
	}
}

// Message is one polled service message. Type selects which payload field
// is set; the rest are nil.
type Message struct {
	Type     EventType
	DeviceID uint32

	Connection     *ConnectionEvent
	ConnectionLost *ConnectionLostEvent
	Device         *DeviceEvent
	DeviceFailure  *DeviceFailureEvent
	Tracking       *TrackingEvent
	Image          *ImageEvent
	Log            *LogEvent
	Policy         *PolicyEvent
	TrackingMode   *TrackingModeEvent
	ConfigChange   *ConfigChangeEvent
	ConfigResponse *ConfigResponseEvent
}
