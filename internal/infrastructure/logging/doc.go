// Package logging provides structured logging for the Daelim bridge.
//
// It wraps log/slog with JSON (production) or text (development) output,
// level filtering and default service/version fields.
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
//	logger := logging.New(cfg.Logging, "1.0.0")
//	client.SetLogger(logger.Component("daelim"))
//	logger.Error("failed to connect", "error", err)
//
// # Security
//
// Never log the resident password, pins, tokens or the JWT secret.
// Use Redact for identifiers that are useful but sensitive:
//
//	logger.Info("device registered", "uuid", logging.Redact(uuid))
package logging
