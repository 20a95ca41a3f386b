// Package observability provides structured logging for abrcore.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/m-mizutani/masq"

	"github.com/jmylchreest/abrcore/internal/config"
)

// RedactedMessage replaces the value of sensitive attributes.
const RedactedMessage = "[REDACTED]"

// LevelTrace is below debug and logs license payloads and segment timing.
const LevelTrace = slog.LevelDebug - 4

// sensitiveFields are attribute keys whose values never reach the log.
var sensitiveFields = []string{
	"password",
	"secret",
	"token",
	"apikey",
	"api_key",
	"credential",
	"license_key",
	"authorization",
	"challenge",
	"Authorization",
	"LicenseKey",
}

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const loggerKey contextKey = "logger"

// NewLogger creates a logger writing to stderr.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stderr)
}

// NewLoggerWithWriter creates a JSON or text logger writing to w. Values
// of sensitive attributes, also inside structs, are redacted.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := make([]masq.Option, 0, len(sensitiveFields)+1)
	opts = append(opts, masq.WithRedactMessage(RedactedMessage))
	for _, f := range sensitiveFields {
		opts = append(opts, masq.WithFieldName(f))
	}
	redact := masq.New(opts...)

	hopts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if cfg.TimeFormat != "" && len(groups) == 0 {
					if t, ok := a.Value.Any().(time.Time); ok {
						return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
					}
				}
				return a
			case slog.LevelKey:
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					return slog.String(slog.LevelKey, "TRACE")
				}
				return a
			case slog.MessageKey, slog.SourceKey:
				return a
			}
			return redact(groups, a)
		},
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, hopts)
	} else {
		handler = slog.NewJSONHandler(w, hopts)
	}
	return slog.New(handler)
}

// ParseLevel converts a level name to a slog.Level. Unknown names are
// info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return LevelTrace
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

// WithApp adds the application name to the logger.
func WithApp(logger *slog.Logger, app string) *slog.Logger {
	return logger.With(slog.String("app", app))
}

// WithComponent adds a component name to the logger.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithOperation adds an operation name to the logger.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(slog.String("operation", operation))
}

// WithError adds an error to the logger attributes.
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}

// LoggerFromContext returns the logger stored in ctx, or the default
// logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ContextWithLogger stores logger in ctx.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// SetDefault sets logger as the slog default.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// TimedOperationWithError logs the start of operation and returns a
// function logging its outcome and duration. errPtr is read when the
// returned function runs.
//
//	var err error
//	done := observability.TimedOperationWithError(ctx, logger, "open_manifest", &err)
//	defer done()
//
//nolint:gocritic // errPtr must be a pointer to capture errors set after this call
func TimedOperationWithError(ctx context.Context, logger *slog.Logger, operation string, errPtr *error) func() {
	start := time.Now()
	logger.DebugContext(ctx, "operation started", slog.String("operation", operation))

	return func() {
		d := time.Since(start)
		if errPtr != nil && *errPtr != nil {
			logger.ErrorContext(ctx, "operation failed",
				slog.String("operation", operation),
				slog.Duration("duration", d),
				slog.String("error", (*errPtr).Error()),
			)
			return
		}
		logger.InfoContext(ctx, "operation completed",
			slog.String("operation", operation),
			slog.Duration("duration", d),
		)
	}
}
