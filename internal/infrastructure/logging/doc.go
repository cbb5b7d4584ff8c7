// Package logging provides structured logging for motionlink.
//
// It wraps log/slog so every component logs the same way: JSON in
// production, text while developing, with service and version fields
// on every entry.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	sess := logger.Component("session")
//	sess.Info("device attached", "serial", serial)
//
// Never log the JWT secret, broker passwords or InfluxDB tokens.
package logging
