package trackd

import (
	"fmt"

	"github.com/nerrad567/motionlink/internal/tracking"
)

// Transport names accepted by NewConnector.
const (
	TransportFramed    = "framed"
	TransportWebSocket = "websocket"
)

// ConnectorConfig selects and configures the transport.
type ConnectorConfig struct {
	// Transport is "framed" (default) or "websocket".
	Transport string

	Config
}

// NewConnector returns a tracking.Connector creating a fresh client per
// session open.
func NewConnector(cfg ConnectorConfig, logger Logger) (tracking.Connector, error) {
	switch cfg.Transport {
	case "", TransportFramed:
		if _, _, err := parseAddress(cfg.Address); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
		}
		return tracking.ConnectorFunc(func(cc tracking.ConnectionConfig) (tracking.Connection, error) {
			return NewClient(cfg.Config, cc.ServerNamespace, logger), nil
		}), nil
	case TransportWebSocket:
		return tracking.ConnectorFunc(func(tracking.ConnectionConfig) (tracking.Connection, error) {
			return NewWSClient(cfg.Config, logger), nil
		}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Transport)
	}
}
