package model

import (
	"fmt"
	"sort"
	"strings"
)

// ActionCategory classifies what kind of side effect an action has on the
// host. Categories gate whether external approval is required.
type ActionCategory string

const (
	CategoryFileOperation    ActionCategory = "file_operation"
	CategoryProgramExecution ActionCategory = "program_execution"
	CategorySystemCommand    ActionCategory = "system_command"
	CategoryNetworkAccess    ActionCategory = "network_access"
	CategoryDownloadFile     ActionCategory = "download_file"
	CategoryScreenControl    ActionCategory = "screen_control"
	CategoryKeyboardInput    ActionCategory = "keyboard_input"
	CategoryMouseControl     ActionCategory = "mouse_control"
	CategoryGameInteraction  ActionCategory = "game_interaction"
	// CategoryObservation covers steps with no side effect on the host
	// (analysis, planning, validation of prior results).
	CategoryObservation ActionCategory = "observation"
)

var validCategories = map[ActionCategory]bool{
	CategoryFileOperation:    true,
	CategoryProgramExecution: true,
	CategorySystemCommand:    true,
	CategoryNetworkAccess:    true,
	CategoryDownloadFile:     true,
	CategoryScreenControl:    true,
	CategoryKeyboardInput:    true,
	CategoryMouseControl:     true,
	CategoryGameInteraction:  true,
	CategoryObservation:      true,
}

// Action is a validated description of one side-effecting operation.
// Parameters live in Details; Name is the machine identifier used by the
// critical-action policy set (e.g. "delete_system_file").
type Action struct {
	Category    ActionCategory    `json:"category" yaml:"category"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Details     map[string]string `json:"details,omitempty" yaml:"details,omitempty"`
}

// NewAction validates the action at construction time rather than at
// dispatch time.
func NewAction(category ActionCategory, name, description string, details map[string]string) (Action, error) {
	if !validCategories[category] {
		return Action{}, fmt.Errorf("invalid action category: %q", category)
	}
	if strings.TrimSpace(description) == "" {
		return Action{}, fmt.Errorf("action description must not be empty")
	}
	return Action{
		Category:    category,
		Name:        strings.TrimSpace(name),
		Description: description,
		Details:     details,
	}, nil
}

// MatchText returns the lowercased text the blocked-pattern set is matched
// against: the description plus serialized details in key order.
func (a Action) MatchText() string {
	var b strings.Builder
	b.WriteString(a.Description)
	keys := make([]string, 0, len(a.Details))
	for k := range a.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(a.Details[k])
	}
	return strings.ToLower(b.String())
}

// RiskTier is the classifier verdict for an action.
type RiskTier string

const (
	TierSafe    RiskTier = "safe"
	TierWarning RiskTier = "warning"
	TierDanger  RiskTier = "danger"
	TierBlocked RiskTier = "blocked"
)

// RequiresApproval reports whether the tier needs an external confirmation
// round-trip. Blocked never reaches the approver; it is denied outright.
func (t RiskTier) RequiresApproval() bool {
	return t == TierWarning || t == TierDanger
}
