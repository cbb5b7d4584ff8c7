package bridge

import "errors"

// Domain errors for the bridge.
var (
	// ErrSessionRequired is returned by New without a session.
	ErrSessionRequired = errors.New("bridge: session is required")

	// ErrDispatcherRequired is returned by New without a dispatcher.
	ErrDispatcherRequired = errors.New("bridge: dispatcher is required")

	// ErrUnknownCommand is returned for an unrecognised command name.
	ErrUnknownCommand = errors.New("bridge: unknown command")

	// ErrInvalidParameters is returned when command parameters are missing
	// or have the wrong type.
	ErrInvalidParameters = errors.New("bridge: invalid parameters")
)
