package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarpov/warden/internal/config"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.log")

	log, err := New(config.LoggerConfig{
		Level:       "debug",
		Encoding:    "json",
		OutputPaths: []string{path},
	})
	require.NoError(t, err)

	log.Infow("daemon_ready", "pid", 42)
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.Contains(t, line, `"message":"daemon_ready"`)
	assert.Contains(t, line, `"pid":42`)
	assert.Contains(t, line, `"level":"INFO"`)
}

func TestNew_LevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.log")

	log, err := New(config.LoggerConfig{
		Level:       "warn",
		Encoding:    "json",
		OutputPaths: []string{path},
	})
	require.NoError(t, err)

	log.Infow("suppressed")
	log.Warnw("kept")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "suppressed")
	assert.Contains(t, string(data), "kept")
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.log")

	log, err := New(config.LoggerConfig{
		Level:       "chatty",
		Encoding:    "json",
		OutputPaths: []string{path},
	})
	require.NoError(t, err)

	log.Debugw("below_info")
	log.Infow("at_info")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "below_info")
	assert.Contains(t, string(data), "at_info")
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Infow("discarded")
	assert.NoError(t, log.Sync())
}

func TestNew_EmptyConfigDefaults(t *testing.T) {
	log, err := New(config.LoggerConfig{})
	require.NoError(t, err)
	log.Infow("console_default")
}
