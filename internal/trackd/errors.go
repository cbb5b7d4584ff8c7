package trackd

import "errors"

// Domain errors for the tracking service transports.
var (
	// ErrInvalidAddress is returned when the service address cannot be used.
	ErrInvalidAddress = errors.New("trackd: invalid service address")

	// ErrAlreadyOpen is returned when Open is called twice on one client.
	ErrAlreadyOpen = errors.New("trackd: client already open")

	// ErrHandshakeFailed is returned when the service rejects the hello.
	ErrHandshakeFailed = errors.New("trackd: handshake failed")

	// ErrMalformed is returned when a frame cannot be decoded.
	ErrMalformed = errors.New("trackd: malformed message")

	// ErrUnknownTransport is returned for an unsupported transport name.
	ErrUnknownTransport = errors.New("trackd: unknown transport")
)
