// Package api implements the HTTP REST API and WebSocket server for motionlink.
//
// This package provides:
//   - REST endpoints for the latest frame, interpolated frames, the attached
//     device and its history
//   - Policy and tracking mode control, routed through the bridge's command path
//   - A WebSocket hub that fans out bridge events (frame, device, connection,
//     policy, log)
//   - The command audit trail, filterable by command, source and status
//   - Optional JWT bearer authentication
//   - A browser viewer of the live feed under /viewer/
//
// # Architecture
//
// Reads go straight to the tracking session's thread-safe accessors. Writes
// are submitted to the bridge, which posts them to the main-thread loop and
// acknowledges them the same way it acknowledges MQTT commands.
//
// # Security
//
// When security.jwt.secret is empty every route is open. Otherwise all routes
// except /health and the viewer's static files require an HS256 bearer
// token. The token subject is recorded with every command in the audit trail. Browsers cannot set headers
// on WebSocket upgrades, so /ws also accepts the token in the access_token
// query parameter.
//
// # Graceful Degradation
//
// The server runs without MQTT, InfluxDB, the history store or the audit
// trail. Endpoints that need a missing component answer 503.
package api
