package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrcore/internal/config"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed), buf.String())
	return parsed
}

func TestNewLogger_Formats(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
		logger.Info("manifest opened", slog.String("type", "dash"))

		line := decodeLine(t, &buf)
		assert.Equal(t, "manifest opened", line["msg"])
		assert.Equal(t, "dash", line["type"])
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "TEXT"}, &buf)
		logger.Info("manifest opened", slog.String("type", "hls"))
		assert.Contains(t, buf.String(), "type=hls")
	})

	t.Run("unknown falls back to json", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(config.LoggingConfig{Format: "xml"}, &buf)
		logger.Info("hello")
		decodeLine(t, &buf)
	})
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace":   LevelTrace,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		configLevel string
		logLevel    slog.Level
		shouldLog   bool
	}{
		{"trace", LevelTrace, true},
		{"debug", LevelTrace, false},
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelDebug, false},
		{"warn", slog.LevelInfo, false},
		{"error", slog.LevelError, true},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(config.LoggingConfig{Level: tt.configLevel}, &buf)
		logger.Log(context.Background(), tt.logLevel, "x")
		assert.Equal(t, tt.shouldLog, buf.Len() > 0, "%s at %s", tt.logLevel, tt.configLevel)
	}
}

func TestNewLogger_TraceLevelName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "trace"}, &buf)
	logger.Log(context.Background(), LevelTrace, "license body")
	assert.Equal(t, "TRACE", decodeLine(t, &buf)["level"])
}

func TestNewLogger_TimeFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{TimeFormat: "2006-01-02"}, &buf)
	logger.Info("x")
	assert.Equal(t, time.Now().Format("2006-01-02"), decodeLine(t, &buf)["time"])
}

func TestNewLogger_Redaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "debug"}, &buf)

	type drmSettings struct {
		KeySystem  string
		LicenseKey string
	}
	logger.Info("license request",
		slog.String("license_key", "https://license.example.com|Authorization=Bearer abc"),
		slog.String("challenge", "CAESAA=="),
		slog.String("token", "t0k3n"),
		slog.Any("drm", drmSettings{KeySystem: "com.widevine.alpha", LicenseKey: "secret-url"}),
		slog.String("url", "https://cdn.example.com/manifest.mpd"),
	)

	out := buf.String()
	assert.NotContains(t, out, "Bearer abc")
	assert.NotContains(t, out, "CAESAA==")
	assert.NotContains(t, out, "t0k3n")
	assert.NotContains(t, out, "secret-url")
	assert.Contains(t, out, "com.widevine.alpha")
	assert.Contains(t, out, "https://cdn.example.com/manifest.mpd")
	assert.Equal(t, 4, strings.Count(out, RedactedMessage), out)
}

func TestLoggerHelpers(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerWithWriter(config.LoggingConfig{}, &buf)

	logger := WithError(WithOperation(WithComponent(WithApp(base, "abrcore"), "session"), "seek"), errors.New("boom"))
	logger.Info("x")
	line := decodeLine(t, &buf)
	assert.Equal(t, "abrcore", line["app"])
	assert.Equal(t, "session", line["component"])
	assert.Equal(t, "seek", line["operation"])
	assert.Equal(t, "boom", line["error"])

	assert.Same(t, base, WithError(base, nil))
}

func TestContextLogger(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := ContextWithLogger(context.Background(), logger)
	assert.Same(t, logger, LoggerFromContext(ctx))
}

func TestTimedOperationWithError(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(config.LoggingConfig{}, &buf)
		var err error
		done := TimedOperationWithError(context.Background(), logger, "open_manifest", &err)
		done()
		assert.Contains(t, buf.String(), "operation completed")
		assert.Contains(t, buf.String(), `"operation":"open_manifest"`)
	})

	t.Run("failure", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(config.LoggingConfig{}, &buf)
		var err error
		done := TimedOperationWithError(context.Background(), logger, "open_manifest", &err)
		err = errors.New("404")
		done()
		assert.Contains(t, buf.String(), "operation failed")
		assert.Contains(t, buf.String(), `"error":"404"`)
	})
}
