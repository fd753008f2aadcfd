package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogWriter(&buf, InfoLevel, false, false)

	l.Info("stage changed", "stage", 2, "segment", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "stage changed", rec["msg"])
	assert.Equal(t, "INFO", rec["level"])
	assert.EqualValues(t, 2, rec["stage"])
	assert.Contains(t, rec, "ts")
	assert.NotContains(t, rec, "time")
}

func TestSlogLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogWriter(&buf, WarnLevel, false, false)

	l.Debug("debug")
	l.Info("info")
	assert.Zero(t, buf.Len())

	l.Warn("warn")
	assert.NotZero(t, buf.Len())
	assert.Equal(t, WarnLevel, l.Level())
}

func TestSlogLogger_WithSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := NewSlogWriter(&buf, ErrorLevel, false, false)
	child := parent.With("component", "poller")

	child.Info("dropped")
	assert.Zero(t, buf.Len())

	parent.SetLevel(DebugLevel)
	assert.Equal(t, DebugLevel, child.Level())

	child.Info("kept")
	assert.Contains(t, buf.String(), `"component":"poller"`)
}

func TestSlogLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogWriter(&buf, InfoLevel, false, true)

	l.Info("furnace reset", "reason", "overrun")
	assert.Contains(t, buf.String(), "furnace reset")
	assert.Contains(t, buf.String(), "overrun")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in       string
		expected Level
		wantErr  bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"", InfoLevel, false},
		{"warning", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"fatal", FatalLevel, false},
		{"loud", InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lv, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, lv)
		})
	}
}
