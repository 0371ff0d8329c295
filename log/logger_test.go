package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestNew_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "awn.log")

	logger := New(Options{Level: "debug", Format: "json", File: path})
	logger.Info("session started", zap.String("patient_id", "p-1"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"session started"`)
	assert.Contains(t, string(data), `"patient_id":"p-1"`)
	assert.Contains(t, string(data), `"timestamp":`)
}

func TestGetInstance_ReturnsConfigured(t *testing.T) {
	configured := Configure(Options{Level: "warn"})
	assert.Same(t, configured, GetInstance())
	assert.False(t, GetInstance().Core().Enabled(zapcore.InfoLevel))
}
