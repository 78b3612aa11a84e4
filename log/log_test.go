package log

import (
	"bytes"
	"encoding/json"
	stdlog "log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_NamedInheritsOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithName("teamreg"))

	logger.Named("ratelimit").Info("hello", String("key", "ip:1.2.3.4"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "teamreg.ratelimit", entry["name"])
	assert.Equal(t, "ip:1.2.3.4", entry["key"])
}

func TestLogger_WithKeepsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf)).
		With(String("a", "1")).
		With(Int("b", 2))

	logger.Warn("warned")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "1", entry["a"])
	assert.Equal(t, float64(2), entry["b"])
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithLevel(LevelWarn))

	logger.Info("dropped")
	logger.Debug("dropped too")
	assert.Empty(t, buf.String())

	logger.Error("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestLogger_PrettyFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(
		WithOutput(&buf),
		WithFormat(FormatPretty),
		WithName("api"),
	)

	logger.Error("boom", String("error", "bad thing"))

	out := buf.String()
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "api")
	assert.Contains(t, out, "bad thing")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf))

	std := stdlog.New(logger.NewWriter(LevelError), "", 0)
	std.Println("  tls handshake error  ")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tls handshake error", entry["msg"])
	assert.Equal(t, "ERROR", entry["level"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}
