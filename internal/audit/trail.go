// Package audit provides the append-only audit trail: an in-memory record of
// classified actions and confirmation outcomes, with an optional persistent
// JSONL sink.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/akarpov/warden/internal/model"
)

// Trail is the in-memory append-only audit record. Entries are never mutated
// or deleted during the process lifetime. Safe for concurrent use; exports
// copy so readers never block writers beyond the copy itself.
type Trail struct {
	mu      sync.RWMutex
	entries []model.AuditEntry
	sink    *Logger
}

// NewTrail creates an audit trail. sink may be nil for memory-only trails
// (tests, short-lived tools).
func NewTrail(sink *Logger) *Trail {
	return &Trail{sink: sink}
}

// Append records an entry. The timestamp is filled in when the caller left
// it zero. Sink write failures are reported but do not reject the entry:
// the in-memory record is the source of truth for the process lifetime.
func (t *Trail) Append(e model.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()

	if t.sink != nil {
		if err := t.sink.Write(&e); err != nil {
			return fmt.Errorf("audit sink: %w", err)
		}
	}
	return nil
}

// Tail returns a copy of the most recent n entries (all entries if n <= 0
// or n exceeds the trail length).
func (t *Trail) Tail(n int) []model.AuditEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	start := 0
	if n > 0 && n < len(t.entries) {
		start = len(t.entries) - n
	}
	out := make([]model.AuditEntry, len(t.entries)-start)
	copy(out, t.entries[start:])
	return out
}

// ExportAll returns a snapshot copy of every entry.
func (t *Trail) ExportAll() []model.AuditEntry {
	return t.Tail(0)
}

// Len returns the number of recorded entries.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Export is the JSON-serializable whole-trail snapshot.
type Export struct {
	ExportedAt   time.Time          `json:"exported_at"`
	TotalActions int                `json:"total_actions"`
	Actions      []model.AuditEntry `json:"actions"`
}

// Snapshot builds the export document from the current trail contents.
func (t *Trail) Snapshot() Export {
	actions := t.ExportAll()
	return Export{
		ExportedAt:   time.Now().UTC(),
		TotalActions: len(actions),
		Actions:      actions,
	}
}

// WriteExport writes the JSON export document to path.
func (t *Trail) WriteExport(path string) error {
	data, err := json.MarshalIndent(t.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal audit export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write audit export: %w", err)
	}
	return nil
}
