package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
)

// serviceName is attached to every entry as the "service" attribute.
const serviceName = "gateway"

// redacted replaces the value of any attribute whose key names a secret.
const redacted = "[redacted]"

// secretKeys are matched case-insensitively against attribute keys.
var secretKeys = []string{"password", "token", "secret", "authorization"}

// Logger is a *slog.Logger carrying the gateway's default attributes.
// Child loggers from With keep the concrete type so components can pass
// them on to their own SetLogger.
type Logger struct {
	*slog.Logger
}

// New builds the process logger from the logging config section.
// Unknown formats fall back to JSON, unknown outputs to stdout.
func New(cfg config.LoggingConfig, version string) *Logger {
	return build(writerFor(cfg.Output), cfg, version)
}

func writerFor(output string) io.Writer {
	if strings.EqualFold(output, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

func build(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redactSecrets,
	}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(h).With("service", serviceName, "version", version)}
}

// redactSecrets masks credentials that slip into log attributes, such as
// a device password echoed back in a config dump.
func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// parseLevel maps debug, info, warn(ing) and error to slog levels.
// Anything else is info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child logger with extra attributes.
//
//	log.With("component", "qsys", "adapter", "QSYS").Info("logon ok")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default is the logger used before the config file has been read.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info"}, "dev")
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
