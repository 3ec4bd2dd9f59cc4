package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLogger_AttributesAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, LevelWarn)

	l.Info("dropped")
	l.WithComponent("orchestrator").WithPhase("Lattice").Warn("notification failed", "event", "block")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "notification failed", entry["msg"])
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "orchestrator", entry["component"])
	assert.Equal(t, "Lattice", entry["phase"])
	assert.Equal(t, "block", entry["event"])
}

func TestNewLogger_File(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := NewLogger(dir, LevelDebug)
	require.NoError(t, err)

	l.Debug("hello", "n", 1)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "second close is a no-op")

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestNopLogger(t *testing.T) {
	l := NopLogger()
	l.Error("ignored")
	assert.NoError(t, l.Close())
	assert.Same(t, l, l.With())
}
