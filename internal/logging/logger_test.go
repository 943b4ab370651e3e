package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONByDefault(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", "").Info("job archived", slog.String("job_id", "j1"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "job archived", line["msg"])
	assert.Equal(t, "j1", line["job_id"])
	assert.Contains(t, line, "source")
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "debug", "console").Debug("poll", slog.Int("attempt", 2))
	assert.Contains(t, buf.String(), "poll")
	assert.Contains(t, buf.String(), "attempt")
	assert.False(t, json.Valid(buf.Bytes()))
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		warn  bool
	}{
		{"debug", true, true},
		{"INFO", false, true},
		{"warning", false, true},
		{"error", false, false},
		{"bogus", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			l := New(&buf, tt.level, "json")
			l.Debug("d")
			assert.Equal(t, tt.debug, buf.Len() > 0)
			buf.Reset()
			l.Warn("w")
			assert.Equal(t, tt.warn, buf.Len() > 0)
		})
	}
}
