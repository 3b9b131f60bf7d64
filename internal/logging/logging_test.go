package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		input    string
		expected Level
		wantErr  bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"bogus", LevelInfo, true},
	}
	for _, c := range cases {
		level, err := ParseLevel(c.input)
		if c.wantErr {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, c.expected, level)
	}
}

func TestLevelString(t *testing.T) {
	require.Equal(t, "debug", LevelString(LevelDebug))
	require.Equal(t, "info", LevelString(LevelInfo))
	require.Equal(t, "warn", LevelString(LevelWarn))
	require.Equal(t, "error", LevelString(LevelError))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, LevelInfo, cfg.Level)
	require.Equal(t, FormatText, cfg.Format)
	require.Equal(t, "stderr", cfg.Output)
	require.Positive(t, cfg.MaxSize)
	require.Positive(t, cfg.MaxAge)
	require.Positive(t, cfg.MaxBackups)
}

func TestLoggerWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.Format = FormatJSON
	cfg.FilePath = filepath.Join(dir, "out.log")
	cfg.Component = "test-component"

	logger, err := New(cfg)
	require.NoError(t, err)
	defer logger.Close()

	logger.Info("hello", "key", "value")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	require.Equal(t, "hello", entry["msg"])
	require.Equal(t, "test-component", entry["component"])
	require.Equal(t, "value", entry["key"])
}

func TestLoggerRedactsSensitiveAttributes(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.Format = FormatJSON
	cfg.FilePath = filepath.Join(dir, "out.log")
	cfg.RedactPatterns = []string{"device_serial"}

	logger, err := New(cfg)
	require.NoError(t, err)
	defer logger.Close()

	logger.Info("keys", "signing_key", "deadbeef", "device_serial", "ABC123", "plain", "visible")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	line := string(bytes.TrimSpace(data))

	require.False(t, strings.Contains(line, "deadbeef"))
	require.False(t, strings.Contains(line, "ABC123"))
	require.True(t, strings.Contains(line, "visible"))
}

func TestLoggerWithRequestIDAttachesAttribute(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.Format = FormatJSON
	cfg.FilePath = filepath.Join(dir, "out.log")

	logger, err := New(cfg)
	require.NoError(t, err)
	defer logger.Close()

	withID := logger.WithRequestID("req-1")
	withID.Info("tagged")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	require.Equal(t, "req-1", entry["request_id"])
}

func TestNewRequestIDIsUniquePerCall(t *testing.T) {
	logger, err := New(DefaultConfig())
	require.NoError(t, err)

	first := logger.NewRequestID()
	second := logger.NewRequestID()
	require.NotEqual(t, first, second)
}

func TestRequestIDContextRoundTrip(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "abc")
	require.Equal(t, "abc", RequestIDFromContext(ctx))
	require.Equal(t, "", RequestIDFromContext(nil))
}
