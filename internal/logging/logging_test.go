package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel(" DEBUG "))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestConfigure_JSONComponent(t *testing.T) {
	prev := L()
	t.Cleanup(func() { def.Store(prev) })

	var buf bytes.Buffer
	Configure(Options{Level: "debug", JSON: true, Output: &buf})
	Component("bridge").Debug("cycle committed", "records", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "bridge", line["component"])
	assert.Equal(t, "cycle committed", line["msg"])
	assert.EqualValues(t, 3, line["records"])
}

func TestFromEnv(t *testing.T) {
	t.Setenv("TXBRIDGE_LOG_LEVEL", "warn")
	t.Setenv("TXBRIDGE_LOG_JSON", "true")
	opts := FromEnv(Options{})
	assert.Equal(t, "warn", opts.Level)
	assert.True(t, opts.JSON)

	opts = FromEnv(Options{Level: "error"})
	assert.Equal(t, "error", opts.Level)
}
