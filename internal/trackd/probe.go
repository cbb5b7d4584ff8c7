package trackd

import (
	"context"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
)

// Probe checks that the tracking service accepts connections on address
// without starting a session. It is the health check of a supervised
// service. An empty address selects the transport default.
func Probe(ctx context.Context, transport, address string) error {
	switch transport {
	case "", TransportFramed:
		network, addr, err := parseAddress(address)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
		}
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return fmt.Errorf("probing %s: %w", addr, err)
		}
		return conn.Close()

	case TransportWebSocket:
		if address == "" {
			address = DefaultWSAddress
		}
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close() //nolint:errcheck // handshake body only
		}
		if err != nil {
			return fmt.Errorf("probing %s: %w", address, err)
		}
		return conn.Close()

	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, transport)
	}
}
