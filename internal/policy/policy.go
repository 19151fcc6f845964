// Package policy implements the risk classifier: a pure mapping from an
// action description to a risk tier, driven by an immutable policy value.
package policy

import (
	"path/filepath"
	"strings"

	"github.com/akarpov/warden/internal/model"
)

// CriticalMarker prefixes the description of danger-tier actions so the
// approver sees the escalation at a glance.
const CriticalMarker = "[CRITICAL] "

// Config is the policy value handed to NewClassifier. It is copied on
// construction; later mutation of the caller's slices has no effect.
type Config struct {
	// BlockedPatterns are case-insensitive substrings matched against the
	// action description and serialized details. A match is final: blocked
	// actions cannot be approved.
	BlockedPatterns []string `mapstructure:"blocked_patterns" yaml:"blocked_patterns"`
	// CriticalActions are exact action names that always require
	// confirmation at danger tier.
	CriticalActions []string `mapstructure:"critical_actions" yaml:"critical_actions"`
	// ApprovalCategories are action categories that require confirmation at
	// warning tier.
	ApprovalCategories []model.ActionCategory `mapstructure:"approval_categories" yaml:"approval_categories"`
	// ProtectedFiles are basenames the agent must never write, modify or
	// delete. Operations against them classify as blocked.
	ProtectedFiles []string `mapstructure:"protected_files" yaml:"protected_files"`
}

// Default returns the built-in policy.
func Default() Config {
	return Config{
		BlockedPatterns: []string{
			"rm -rf",
			"sudo",
			"format",
			"mkfs",
			"dd if=/dev",
			"del /s /f /q",
		},
		CriticalActions: []string{
			"delete_system_file",
			"modify_registry",
			"disable_security",
			"execute_untrusted_code",
		},
		ApprovalCategories: []model.ActionCategory{
			model.CategoryFileOperation,
			model.CategoryProgramExecution,
			model.CategorySystemCommand,
			model.CategoryNetworkAccess,
			model.CategoryDownloadFile,
		},
		ProtectedFiles: []string{
			"warden.yaml",
			"policy.yaml",
		},
	}
}

// mutatingOps are file operations that count as modification for the
// protected-file rule. Reads are always allowed.
var mutatingOps = map[string]bool{
	"write":  true,
	"edit":   true,
	"modify": true,
	"delete": true,
	"create": true,
	"append": true,
}

// Classifier maps actions to risk tiers. It is pure, deterministic and safe
// for concurrent use.
type Classifier struct {
	blocked   []string
	critical  map[string]bool
	approval  map[model.ActionCategory]bool
	protected map[string]bool
}

func NewClassifier(cfg Config) *Classifier {
	c := &Classifier{
		blocked:   make([]string, 0, len(cfg.BlockedPatterns)),
		critical:  make(map[string]bool, len(cfg.CriticalActions)),
		approval:  make(map[model.ActionCategory]bool, len(cfg.ApprovalCategories)),
		protected: make(map[string]bool, len(cfg.ProtectedFiles)),
	}
	for _, p := range cfg.BlockedPatterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			c.blocked = append(c.blocked, p)
		}
	}
	for _, a := range cfg.CriticalActions {
		c.critical[a] = true
	}
	for _, cat := range cfg.ApprovalCategories {
		c.approval[cat] = true
	}
	for _, f := range cfg.ProtectedFiles {
		c.protected[filepath.Base(f)] = true
	}
	return c
}

// Classify returns the risk tier for an action. Decision order: blocked
// pattern, protected-file mutation, critical action name, approval category,
// safe. Calling twice with identical input yields the identical tier.
func (c *Classifier) Classify(a model.Action) model.RiskTier {
	text := a.MatchText()

	for _, pattern := range c.blocked {
		if strings.Contains(text, pattern) {
			return model.TierBlocked
		}
	}

	if c.isProtectedMutation(a) {
		return model.TierBlocked
	}

	if c.critical[a.Name] {
		return model.TierDanger
	}

	if c.approval[a.Category] {
		return model.TierWarning
	}

	return model.TierSafe
}

// BlockReason explains why a blocked-tier action was rejected.
func (c *Classifier) BlockReason(a model.Action) string {
	text := a.MatchText()
	for _, pattern := range c.blocked {
		if strings.Contains(text, pattern) {
			return "blocked pattern: " + pattern
		}
	}
	if target := c.protectedMutationTarget(a); target != "" {
		return "protected file: " + target
	}
	return "blocked by policy"
}

// Describe returns the approver-facing description, with the critical
// marker prefixed for danger-tier actions.
func (c *Classifier) Describe(a model.Action, tier model.RiskTier) string {
	if tier == model.TierDanger {
		return CriticalMarker + a.Description
	}
	return a.Description
}

func (c *Classifier) isProtectedMutation(a model.Action) bool {
	return c.protectedMutationTarget(a) != ""
}

// protectedMutationTarget returns the protected basename an action would
// mutate, or "" when the action touches no protected file.
func (c *Classifier) protectedMutationTarget(a model.Action) string {
	if len(c.protected) == 0 {
		return ""
	}
	op := strings.ToLower(a.Details["operation"])
	if op == "" {
		op = strings.ToLower(a.Name)
	}
	if !mutatingOps[op] {
		return ""
	}
	for _, v := range a.Details {
		if base := filepath.Base(v); c.protected[base] {
			return base
		}
	}
	return ""
}
