// Package audit keeps a short, bounded history of update lifecycle events.
package audit

import (
	"maps"
	"sync"
	"time"

	"github.com/vrsandeep/updatekit/internal/models"
)

// DefaultCapacity is the number of entries kept before the oldest is dropped.
const DefaultCapacity = 10

// Log is an append-only ring of the most recent audit entries. Entries are
// copied on the way in and on the way out, so a written entry never changes.
type Log struct {
	mu       sync.Mutex
	entries  []models.AuditEntry
	capacity int
	now      func() time.Time
}

// New returns a Log holding at most capacity entries. A capacity below one
// uses DefaultCapacity.
func New(capacity int) *Log {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity, now: time.Now}
}

// SetClock replaces the time source used to stamp entries.
func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Append records an event and returns the stored entry.
func (l *Log) Append(status models.AuditStatus, message string, context map[string]any) models.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := models.AuditEntry{
		Timestamp: l.now().UTC(),
		Status:    status,
		Message:   message,
		Context:   maps.Clone(context),
	}
	if len(l.entries) == l.capacity {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, entry)
	return cloneEntry(entry)
}

// Entries returns the recorded events, oldest first.
func (l *Log) Entries() []models.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.AuditEntry, len(l.entries))
	for i, e := range l.entries {
		out[i] = cloneEntry(e)
	}
	return out
}

// Len returns the number of recorded events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func cloneEntry(e models.AuditEntry) models.AuditEntry {
	e.Context = maps.Clone(e.Context)
	return e
}
