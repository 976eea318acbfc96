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

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "info", Format: "json", Writer: &buf})
	require.NoError(t, err)
	defer closer.Close()

	Component(logger, "bridge").Info("listening", "path", "/tmp/ctl.sock")
	logger.Debug("hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "listening", rec["msg"])
	assert.Equal(t, "bridge", rec["component"])
	assert.Equal(t, "/tmp/ctl.sock", rec["path"])
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}

func TestNewAutoFormatOnBuffer(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Writer: &buf})
	require.NoError(t, err)

	logger.Info("hello")
	assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())), "non-terminal writers get JSON: %q", buf.String())
}

func TestNewFanoutToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "host.log")

	logger, closer, err := New(Options{Level: "debug", Format: "text", File: path, Writer: &buf})
	require.NoError(t, err)

	logger.Debug("engine spawned", "epoch", 3)
	require.NoError(t, closer.Close())

	assert.Contains(t, buf.String(), "engine spawned")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "engine spawned", rec["msg"])
	assert.EqualValues(t, 3, rec["epoch"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "DEBUG", want: slog.LevelDebug},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "trace", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, _, err := New(Options{Format: "xml", Writer: &bytes.Buffer{}})
	assert.Error(t, err)
}
