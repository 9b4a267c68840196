package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerIsCachedPerComponent(t *testing.T) {
	a := NewLogger("supervisor")
	b := NewLogger("supervisor")
	c := NewLogger("sidecar")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "supervisor", a.Data["component"])
}

func TestConfigureJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Configure("debug", "json", &buf)
	t.Cleanup(func() { Configure("info", "auto", nil) })

	NewLogger("test").WithField("sessionId", "s1").Debug("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "s1", entry["sessionId"])
	assert.Equal(t, "debug", entry["level"])
}

func TestConfigureInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Configure("chatty", "json", &buf)
	t.Cleanup(func() { Configure("info", "auto", nil) })

	log := NewLogger("test")
	log.Debug("hidden")
	assert.Zero(t, buf.Len())

	log.Info("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestAutoFormatIsJSONForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	Configure("info", "auto", &buf)
	t.Cleanup(func() { Configure("info", "auto", nil) })

	NewLogger("test").Info("plain")
	assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}
