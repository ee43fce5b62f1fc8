package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(FormatJSON, &buf, slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("build finished", "key", "a")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "build finished", record["msg"])
	assert.Equal(t, "a", record["key"])
}

func TestNew_TextDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(FormatText, &buf, nil)
	logger.Debug("hidden")
	logger.Warn("tick skipped")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "tick skipped")
}

func TestParseLevel(t *testing.T) {
	for raw, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "": slog.LevelInfo, "INFO": slog.LevelInfo,
		"warning": slog.LevelWarn, "warn": slog.LevelWarn, "error": slog.LevelError,
	} {
		got, err := ParseLevel(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestEnsure(t *testing.T) {
	assert.Same(t, slog.Default(), Ensure(nil))
	l := Discard()
	assert.Same(t, l, Ensure(l))
}
