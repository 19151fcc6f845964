package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarpov/warden/internal/model"
)

func mustAction(t *testing.T, category model.ActionCategory, name, description string, details map[string]string) model.Action {
	t.Helper()
	a, err := model.NewAction(category, name, description, details)
	require.NoError(t, err)
	return a
}

func TestClassify_Tiers(t *testing.T) {
	c := NewClassifier(Default())

	tests := []struct {
		name   string
		action model.Action
		want   model.RiskTier
	}{
		{
			"observation is safe",
			mustAction(t, model.CategoryObservation, "analyze", "Analyze requirements for the goal", nil),
			model.TierSafe,
		},
		{
			"file operation needs approval",
			mustAction(t, model.CategoryFileOperation, "write_file", "Write summary to disk", map[string]string{"path": "/tmp/out.txt"}),
			model.TierWarning,
		},
		{
			"system command needs approval",
			mustAction(t, model.CategorySystemCommand, "run", "List directory contents", nil),
			model.TierWarning,
		},
		{
			"critical action name escalates to danger",
			mustAction(t, model.CategoryFileOperation, "delete_system_file", "Remove stale service file", map[string]string{"path": "/etc/old.conf"}),
			model.TierDanger,
		},
		{
			"blocked pattern in description",
			mustAction(t, model.CategorySystemCommand, "run", "Clean with rm -rf /tmp/cache", nil),
			model.TierBlocked,
		},
		{
			"blocked pattern in details",
			mustAction(t, model.CategorySystemCommand, "run", "Run maintenance", map[string]string{"command": "sudo apt upgrade"}),
			model.TierBlocked,
		},
		{
			"blocked pattern is case insensitive",
			mustAction(t, model.CategorySystemCommand, "run", "Execute RM -RF on build dir", nil),
			model.TierBlocked,
		},
		{
			"blocked beats critical",
			mustAction(t, model.CategorySystemCommand, "delete_system_file", "sudo rm the unit file", nil),
			model.TierBlocked,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.action))
		})
	}
}

func TestClassify_ProtectedFiles(t *testing.T) {
	c := NewClassifier(Default())

	write := mustAction(t, model.CategoryFileOperation, "write_file", "Update the daemon config", map[string]string{
		"operation": "write",
		"path":      "/home/user/.warden/warden.yaml",
	})
	assert.Equal(t, model.TierBlocked, c.Classify(write))
	assert.Equal(t, "protected file: warden.yaml", c.BlockReason(write))

	// Reads of protected files are not mutations.
	read := mustAction(t, model.CategoryFileOperation, "read_file", "Inspect the daemon config", map[string]string{
		"operation": "read",
		"path":      "/home/user/.warden/warden.yaml",
	})
	assert.Equal(t, model.TierWarning, c.Classify(read))

	// Same basename elsewhere still counts; protection is by basename.
	elsewhere := mustAction(t, model.CategoryFileOperation, "delete", "Remove stray copy", map[string]string{
		"path": "/tmp/policy.yaml",
	})
	assert.Equal(t, model.TierBlocked, c.Classify(elsewhere))
}

func TestClassify_Deterministic(t *testing.T) {
	c := NewClassifier(Default())
	a := mustAction(t, model.CategoryDownloadFile, "download", "Fetch dataset archive", map[string]string{
		"url": "https://example.com/data.tar.gz",
	})
	first := c.Classify(a)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.Classify(a))
	}
}

func TestClassifier_CopiesConfig(t *testing.T) {
	cfg := Config{
		BlockedPatterns: []string{"forbidden"},
	}
	c := NewClassifier(cfg)
	cfg.BlockedPatterns[0] = "harmless"

	a := mustAction(t, model.CategoryObservation, "note", "touch the forbidden zone", nil)
	assert.Equal(t, model.TierBlocked, c.Classify(a))
}

func TestBlockReason(t *testing.T) {
	c := NewClassifier(Default())

	blocked := mustAction(t, model.CategorySystemCommand, "run", "dd if=/dev/zero of=/dev/sda", nil)
	assert.Equal(t, "blocked pattern: dd if=/dev", c.BlockReason(blocked))
}

func TestDescribe_CriticalMarker(t *testing.T) {
	c := NewClassifier(Default())
	a := mustAction(t, model.CategoryFileOperation, "disable_security", "Turn off the firewall", nil)

	require.Equal(t, model.TierDanger, c.Classify(a))
	assert.Equal(t, CriticalMarker+"Turn off the firewall", c.Describe(a, model.TierDanger))
	assert.Equal(t, "Turn off the firewall", c.Describe(a, model.TierWarning))
}

func TestDefaultPolicy(t *testing.T) {
	def := Default()
	assert.Contains(t, def.BlockedPatterns, "rm -rf")
	assert.Contains(t, def.CriticalActions, "execute_untrusted_code")
	assert.Contains(t, def.ApprovalCategories, model.CategoryNetworkAccess)
	assert.NotContains(t, def.ApprovalCategories, model.CategoryObservation)
}
