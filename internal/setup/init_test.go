package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarpov/warden/internal/config"
)

func TestRun_CreatesHomeLayout(t *testing.T) {
	home := filepath.Join(t.TempDir(), "warden-home")

	configPath, err := Run(home)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "warden.yaml"), configPath)

	for _, d := range []string{"archive", "logs"} {
		info, err := os.Stat(filepath.Join(home, d))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	// The generated file must load cleanly and agree with the loader's
	// defaults.
	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, home, cfg.Daemon.HomeDir)
	assert.Equal(t, 7711, cfg.Server.Port)
	assert.Equal(t, 1, cfg.Planner.MaxParallel)
	assert.Contains(t, cfg.Policy.BlockedPatterns, "rm -rf")
	assert.Contains(t, cfg.Policy.ProtectedFiles, "warden.yaml")
}

func TestRun_RefusesToClobberExisting(t *testing.T) {
	home := filepath.Join(t.TempDir(), "warden-home")

	_, err := Run(home)
	require.NoError(t, err)

	_, err = Run(home)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
