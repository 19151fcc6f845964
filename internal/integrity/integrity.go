// Package integrity verifies that protected files have not been tampered
// with. A Guard records SHA-256 baselines at startup and reports any
// mutation or deletion, both on demand and continuously via fsnotify.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/akarpov/warden/internal/audit"
	"github.com/akarpov/warden/internal/events"
	"github.com/akarpov/warden/internal/model"
)

// Violation kinds.
const (
	KindModified = "modified"
	KindDeleted  = "deleted"
)

// Violation reports one protected file whose content diverged from its
// baseline.
type Violation struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// Guard holds the protected file baselines.
type Guard struct {
	trail *audit.Trail
	bus   *events.Bus
	log   *zap.SugaredLogger

	mu       sync.RWMutex
	baseline map[string]string
}

// NewGuard hashes every path and records the baselines. Files that do not
// exist yet are recorded with an empty digest so their later creation is
// not a violation.
func NewGuard(paths []string, trail *audit.Trail, bus *events.Bus, log *zap.SugaredLogger) (*Guard, error) {
	g := &Guard{
		trail:    trail,
		bus:      bus,
		log:      log,
		baseline: make(map[string]string, len(paths)),
	}
	for _, p := range paths {
		digest, err := hashFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				g.baseline[p] = ""
				continue
			}
			return nil, fmt.Errorf("baseline %s: %w", p, err)
		}
		g.baseline[p] = digest
	}
	return g, nil
}

// Paths returns the protected file set, sorted.
func (g *Guard) Paths() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.baseline))
	for p := range g.baseline {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Rebase re-records the baseline for path after a deliberate change.
func (g *Guard) Rebase(path string) error {
	digest, err := hashFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rebase %s: %w", path, err)
	}
	g.mu.Lock()
	g.baseline[path] = digest
	g.mu.Unlock()
	return nil
}

// Verify compares every protected file against its baseline and reports
// violations to the audit trail and the event bus.
func (g *Guard) Verify() []Violation {
	g.mu.RLock()
	baseline := make(map[string]string, len(g.baseline))
	for p, d := range g.baseline {
		baseline[p] = d
	}
	g.mu.RUnlock()

	var violations []Violation
	for path, want := range baseline {
		got, err := hashFile(path)
		switch {
		case err != nil && os.IsNotExist(err):
			if want != "" {
				violations = append(violations, Violation{Path: path, Kind: KindDeleted})
			}
		case err != nil:
			g.log.Warnw("integrity_check_failed", "path", path, "error", err)
		case got != want && want != "":
			violations = append(violations, Violation{Path: path, Kind: KindModified})
		}
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].Path < violations[j].Path })

	for _, v := range violations {
		g.report(v)
	}
	return violations
}

// VerifyPath checks a single protected file. Unknown paths are not
// violations.
func (g *Guard) VerifyPath(path string) (Violation, bool) {
	g.mu.RLock()
	want, tracked := g.baseline[path]
	g.mu.RUnlock()
	if !tracked || want == "" {
		return Violation{}, false
	}

	got, err := hashFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			v := Violation{Path: path, Kind: KindDeleted}
			g.report(v)
			return v, true
		}
		g.log.Warnw("integrity_check_failed", "path", path, "error", err)
		return Violation{}, false
	}
	if got == want {
		return Violation{}, false
	}
	v := Violation{Path: path, Kind: KindModified}
	g.report(v)
	return v, true
}

func (g *Guard) report(v Violation) {
	if g.trail != nil {
		entry := model.AuditEntry{
			Actor:   model.ActorSystem,
			Action:  "integrity violation: " + v.Path,
			Tier:    model.TierDanger,
			Outcome: v.Kind,
		}
		if err := g.trail.Append(entry); err != nil {
			g.log.Errorw("audit_append_failed", "error", err)
		}
	}
	if g.bus != nil {
		g.bus.Publish(events.EventIntegrityViolation, map[string]any{
			"path": v.Path,
			"kind": v.Kind,
		})
	}
	g.log.Errorw("integrity_violation", "path", v.Path, "kind", v.Kind)
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
