package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/koopa0/system-design/signaling-relay/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, logger.ParseLevel(tt.input))
		})
	}
}

func TestNew_ContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New("debug", "json", &buf, false)

	ctx := logger.WithConn(logger.WithRoom(context.Background(), "r1"), "conn-1")
	log.With("component", "test").InfoContext(ctx, "member joined", "name", "alice")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "r1", record["room_id"])
	assert.Equal(t, "conn-1", record["conn_id"])
	assert.Equal(t, "alice", record["name"])
	assert.Equal(t, "test", record["component"])
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New("warn", "text", &buf, false)

	log.Info("hidden")
	assert.Empty(t, buf.String())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestOpen(t *testing.T) {
	t.Run("stdout", func(t *testing.T) {
		w, closeFn, err := logger.Open("stdout")
		require.NoError(t, err)
		assert.NotNil(t, w)
		assert.NoError(t, closeFn())
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "relay.log")
		w, closeFn, err := logger.Open(path)
		require.NoError(t, err)
		_, err = w.Write([]byte("line\n"))
		require.NoError(t, err)
		assert.NoError(t, closeFn())
		assert.FileExists(t, path)
	})
}
