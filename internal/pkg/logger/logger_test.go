package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerInitialization(t *testing.T) {
	logger := Get()
	require.NotNil(t, logger)
	assert.Same(t, logger, Get(), "expected same logger instance on multiple calls")
}

func TestConfigure_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Configure(Options{Level: "debug", Format: "json", Output: &buf}))
	t.Cleanup(func() { _ = Configure(Options{}) })

	Debug("fragment evicted", "datagram_id", 4242)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "fragment evicted", record["msg"])
	assert.Equal(t, "DEBUG", record["level"])
	assert.EqualValues(t, 4242, record["datagram_id"])
}

func TestConfigure_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Configure(Options{Level: "warn", Format: "text", Output: &buf}))
	t.Cleanup(func() { _ = Configure(Options{}) })

	Info("dropped")
	Warn("kept", "component", "test")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
	assert.False(t, Enabled(slog.LevelDebug))
}

func TestConfigure_Rejects(t *testing.T) {
	assert.Error(t, Configure(Options{Level: "loud"}))
	assert.Error(t, Configure(Options{Format: "xml"}))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for name, want := range tests {
		got, err := ParseLevel(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
}

func TestWith(t *testing.T) {
	assert.NotNil(t, With("service", "test"))
}
