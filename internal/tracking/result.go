package tracking

import (
	"errors"
	"fmt"
)

// Result is a status code returned by the tracking service.
// Every non-success Result is usable as an error and compares with errors.Is.
type Result uint32

// Result codes.
const (
	ResultSuccess                  Result = 0x00000000
	ResultUnknownError             Result = 0xE2010000
	ResultInvalidArgument          Result = 0xE2010001
	ResultInsufficientResources    Result = 0xE2010002
	ResultInsufficientBuffer       Result = 0xE2010003
	ResultTimeout                  Result = 0xE2010004
	ResultNotConnected             Result = 0xE2010005
	ResultHandshakeIncomplete      Result = 0xE2010006
	ResultBufferSizeOverflow       Result = 0xE2010007
	ResultProtocolError            Result = 0xE2010008
	ResultInvalidClientID          Result = 0xE2010009
	ResultUnexpectedClosed         Result = 0xE201000A
	ResultUnknownImageFrameRequest Result = 0xE201000B
	ResultUnknownTrackingFrameID   Result = 0xE201000C
	ResultRoutineIsNotSeer         Result = 0xE201000D
	ResultTimestampTooEarly        Result = 0xE201000E
	ResultConcurrentPoll           Result = 0xE201000F
	ResultUnsupported              Result = 0xE2010010
	ResultNotAvailable             Result = 0xE7010002
	ResultNotStreaming             Result = 0xE7010004
	ResultCannotOpenDevice         Result = 0xE7010005
)

var resultNames = map[Result]string{
	ResultSuccess:                  "Success",
	ResultUnknownError:             "UnknownError",
	ResultInvalidArgument:          "InvalidArgument",
	ResultInsufficientResources:    "InsufficientResources",
	ResultInsufficientBuffer:       "InsufficientBuffer",
	ResultTimeout:                  "Timeout",
	ResultNotConnected:             "NotConnected",
	ResultHandshakeIncomplete:      "HandshakeIncomplete",
	ResultBufferSizeOverflow:       "BufferSizeOverflow",
	ResultProtocolError:            "ProtocolError",
	ResultInvalidClientID:          "InvalidClientID",
	ResultUnexpectedClosed:         "UnexpectedClosed",
	ResultUnknownImageFrameRequest: "UnknownImageFrameRequest",
	ResultUnknownTrackingFrameID:   "UnknownTrackingFrameID",
	ResultRoutineIsNotSeer:         "RoutineIsNotSeer",
	ResultTimestampTooEarly:        "TimestampTooEarly",
	ResultConcurrentPoll:           "ConcurrentPoll",
	ResultUnsupported:              "Unsupported",
	ResultNotAvailable:             "NotAvailable",
	ResultNotStreaming:             "NotStreaming",
	ResultCannotOpenDevice:         "CannotOpenDevice",
}

// String returns the code's name, or "unknown result type" for codes the
// service has not documented.
func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return "unknown result type"
}

// Error implements error.
func (r Result) Error() string {
	return fmt.Sprintf("tracking: service result %s (0x%08X)", r.String(), uint32(r))
}

// Err returns nil for ResultSuccess and r otherwise.
func (r Result) Err() error {
	if r == ResultSuccess {
		return nil
	}
	return r
}

// ResultOf extracts the service Result carried by err.
// Returns ResultSuccess for nil and ResultUnknownError for foreign errors.
func ResultOf(err error) Result {
	if err == nil {
		return ResultSuccess
	}
	var r Result
	if errors.As(err, &r) {
		return r
	}
	return ResultUnknownError
}

// Session errors.
var (
	// ErrNotOpen is returned when an operation needs an open connection.
	ErrNotOpen = errors.New("tracking: connection not open")

	// ErrAlreadyOpen is returned by Open while the polling loop is running.
	ErrAlreadyOpen = errors.New("tracking: session already open")

	// ErrNilCallback is returned by Open without a callback.
	ErrNilCallback = errors.New("tracking: callback is nil")

	// ErrNoPayload marks a message whose payload does not match its type.
	ErrNoPayload = errors.New("tracking: message has no payload")

	// ErrUnknownPolicy is returned when parsing an unknown policy flag name.
	ErrUnknownPolicy = errors.New("tracking: unknown policy flag")

	// ErrUnknownTrackingMode is returned when parsing an unknown tracking mode.
	ErrUnknownTrackingMode = errors.New("tracking: unknown tracking mode")
)
