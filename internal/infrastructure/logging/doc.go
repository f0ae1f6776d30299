// Package logging provides structured logging for the Loxone bridge.
//
// Logger wraps log/slog. Every entry carries the service name and build
// version, and Component adds a "component" attribute so the session,
// WebSocket transport, display controller and history pruner can be told
// apart in one stream.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("loxone").Info("connected to miniserver", "host", host)
//
// Never log the Miniserver password; use MiniserverConfig.String or
// SessionConfig.String, which redact it.
package logging
