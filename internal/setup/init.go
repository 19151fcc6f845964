// Package setup initializes the warden home directory.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/akarpov/warden/internal/policy"
	"github.com/akarpov/warden/internal/storage"
)

// Run creates the home directory layout and writes a starter warden.yaml
// carrying the default policy. Fails if a config already exists so an
// accidental re-init never clobbers a tuned policy.
func Run(homeDir string) (string, error) {
	abs, err := filepath.Abs(homeDir)
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}

	configPath := filepath.Join(abs, "warden.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return "", fmt.Errorf("%s already exists", configPath)
	}

	for _, d := range []string{"archive", "logs"} {
		if err := os.MkdirAll(filepath.Join(abs, d), 0o755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := storage.AtomicWrite(configPath, defaultConfigDoc(abs)); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return configPath, nil
}

// defaultConfigDoc is the starter config content. It mirrors the loader's
// defaults so editing any single key is enough to diverge from them.
func defaultConfigDoc(homeDir string) map[string]any {
	pol := policy.Default()
	cats := make([]string, len(pol.ApprovalCategories))
	for i, c := range pol.ApprovalCategories {
		cats[i] = string(c)
	}

	return map[string]any{
		"daemon": map[string]any{
			"home_dir":         homeDir,
			"shutdown_timeout": "10s",
		},
		"server": map[string]any{
			"enabled": true,
			"host":    "127.0.0.1",
			"port":    7711,
		},
		"planner": map[string]any{
			"confirm_timeout":     "60s",
			"max_parallel":        1,
			"default_max_retries": 3,
		},
		"logger": map[string]any{
			"level":    "info",
			"encoding": "console",
		},
		"notify": map[string]any{
			"enabled": true,
		},
		"policy": map[string]any{
			"blocked_patterns":    pol.BlockedPatterns,
			"critical_actions":    pol.CriticalActions,
			"approval_categories": cats,
			"protected_files":     pol.ProtectedFiles,
		},
	}
}
