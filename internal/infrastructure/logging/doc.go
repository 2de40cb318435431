// Package logging builds the gateway's structured logger on log/slog.
//
// Every entry carries service=gateway and the build version. Components
// derive child loggers with With and hand them to their own SetLogger:
//
//	log := logging.New(cfg.Logging, version)
//	client.SetLogger(log.With("component", "qsys", "adapter", "QSYS"))
//
// The logging section selects level (debug, info, warn, error), format
// (json or text) and output (stdout or stderr).
//
// Attributes whose key mentions a password, token, secret or
// authorization header are written as [redacted].
package logging
