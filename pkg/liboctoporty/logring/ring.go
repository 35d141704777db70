// Package logring keeps a bounded in-memory history of gateway log records
// so a freshly connected agent can page backwards through recent activity.
package logring

import (
	"sync"

	"github.com/octoporty/octoporty/pkg/liboctoporty/tunnel"
)

// DefaultCapacity is the number of records retained before the oldest are
// overwritten.
const DefaultCapacity = 10000

// Ring is a fixed-capacity log buffer with monotonically increasing entry
// ids. Appends never block and never fail; once full, each append evicts
// the oldest entry. Safe for concurrent use.
type Ring struct {
	mu      sync.Mutex
	entries []tunnel.LogEntry
	start   int
	count   int
	nextID  int64
}

// New returns a ring retaining up to capacity entries. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		entries: make([]tunnel.LogEntry, capacity),
		nextID:  1,
	}
}

// Append stores one record and returns its assigned id.
func (r *Ring) Append(timestampMS int64, level tunnel.LogLevel, message string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	idx := (r.start + r.count) % len(r.entries)
	r.entries[idx] = tunnel.LogEntry{
		ID:          id,
		TimestampMS: timestampMS,
		Level:       level,
		Message:     message,
	}
	if r.count < len(r.entries) {
		r.count++
	} else {
		r.start = (r.start + 1) % len(r.entries)
	}
	return id
}

// Len returns the number of retained entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Page returns up to count entries with id < beforeID, newest first.
// beforeID <= 0 means "start from the newest entry". hasMore reports
// whether older retained entries exist beyond the returned page.
func (r *Ring) Page(beforeID int64, count int) (entries []tunnel.LogEntry, hasMore bool) {
	if count <= 0 {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Walk newest to oldest collecting matches.
	out := make([]tunnel.LogEntry, 0, count)
	for i := r.count - 1; i >= 0; i-- {
		e := r.entries[(r.start+i)%len(r.entries)]
		if beforeID > 0 && e.ID >= beforeID {
			continue
		}
		if len(out) == count {
			return out, true
		}
		out = append(out, e)
	}
	return out, false
}
