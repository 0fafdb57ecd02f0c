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

	"github.com/atmx/perp-engine/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw     string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warning ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseLevel(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	h, err := newHandler(&buf, "json", &slog.HandlerOptions{Level: slog.LevelInfo})
	require.NoError(t, err)

	slog.New(h).With("service", "test").Info("market created", "name", "SOL/WSOL/USDC")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "market created", rec["msg"])
	assert.Equal(t, "test", rec["service"])
	assert.Equal(t, "SOL/WSOL/USDC", rec["name"])
}

func TestNew_RejectsBadFormat(t *testing.T) {
	_, _, err := New("test", config.LogConfig{Format: "xml"})
	assert.ErrorContains(t, err, "invalid log format")

	_, _, err = New("test", config.LogConfig{Output: "syslog"})
	assert.ErrorContains(t, err, "invalid log output")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "perp.log")
	logger, closeFn, err := New("perp", config.LogConfig{Level: "debug", Output: "file", FilePath: path})
	require.NoError(t, err)

	logger.Debug("keeper tick complete", "executed", 2)
	require.NoError(t, closeFn())

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "keeper tick complete"))
	assert.Contains(t, string(body), "service=perp")
}
