// Package notify surfaces pending confirmation requests as desktop
// notifications so an approver notices them before the timeout expires.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Send delivers a desktop notification. macOS uses osascript, Linux uses
// notify-send; other platforms are a no-op.
func Send(title, message string) error {
	switch runtime.GOOS {
	case "darwin":
		return sendDarwin(title, message)
	case "linux":
		return sendLinux(title, message)
	default:
		return nil
	}
}

func sendDarwin(title, message string) error {
	title = escapeAppleScript(title)
	message = escapeAppleScript(message)

	script := fmt.Sprintf(
		`display notification %q with title %q sound name "default"`,
		message, title,
	)

	cmd := exec.Command("osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func sendLinux(title, message string) error {
	cmd := exec.Command("notify-send", "--urgency=normal", title, message)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify-send: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
