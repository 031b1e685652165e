package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLoggerWithWriter(&buf, "warn")

	l.Debug("d", nil)
	l.Info("i", nil)
	l.Warn("w", nil)
	l.Error("e", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"msg":"w"`)
	assert.Contains(t, lines[1], `"msg":"e"`)
}

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLoggerWithWriter(&buf, "info").WithComponent("uploader")

	l.Info("Task pushed", map[string]interface{}{
		"agent_id": "a-1",
		"error":    errors.New("nope"),
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "uploader", entry["component"])
	assert.Equal(t, "a-1", entry["agent_id"])
	// errors are flattened to strings so entries always marshal
	assert.Equal(t, "nope", entry["error"])
	assert.Equal(t, "info", entry["level"])
	assert.NotEmpty(t, entry["ts"])
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLogLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLogLevel("warning"))
	assert.Equal(t, InfoLevel, ParseLogLevel("unknown"))
}
