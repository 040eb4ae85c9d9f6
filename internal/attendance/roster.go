package attendance

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RosterAggregator holds the accepted entries of one session. Removal is a
// soft delete, so History always returns the full audit trail.
type RosterAggregator struct {
	mu        sync.RWMutex
	sessionID string
	ownerID   string

	entries         []*AttendanceEntry
	byID            map[string]*AttendanceEntry
	activeByStudent map[string]*AttendanceEntry
	count           int
	suspicious      int
	frozen          bool
}

func NewRosterAggregator(sessionID, ownerID string) *RosterAggregator {
	return &RosterAggregator{
		sessionID:       sessionID,
		ownerID:         ownerID,
		byID:            make(map[string]*AttendanceEntry),
		activeByStudent: make(map[string]*AttendanceEntry),
	}
}

// Add checks uniqueness and inserts in one critical section.
func (r *RosterAggregator) Add(studentID, location string, now time.Time, suspicious bool, reasons []string) (AttendanceEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return AttendanceEntry{}, ErrSessionClosed
	}
	if _, exists := r.activeByStudent[studentID]; exists {
		return AttendanceEntry{}, ErrDuplicateScan
	}

	entry := &AttendanceEntry{
		ID:               uuid.NewString(),
		SessionID:        r.sessionID,
		StudentID:        studentID,
		Location:         location,
		AcceptedAt:       now,
		Suspicious:       suspicious,
		SuspicionReasons: append([]string(nil), reasons...),
	}
	r.entries = append(r.entries, entry)
	r.byID[entry.ID] = entry
	r.activeByStudent[studentID] = entry
	r.count++
	if suspicious {
		r.suspicious++
	}
	return cloneEntry(entry), nil
}

func (r *RosterAggregator) Has(studentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.activeByStudent[studentID]
	return exists
}

// Remove soft-deletes an entry on behalf of the session owner. A second
// removal of the same entry reports ErrNotFound.
func (r *RosterAggregator) Remove(entryID, requesterID string, now time.Time) (AttendanceEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byID[entryID]
	if !ok {
		return AttendanceEntry{}, ErrNotFound
	}
	if requesterID != r.ownerID {
		return AttendanceEntry{}, ErrNotOwner
	}
	if entry.Removed() {
		return AttendanceEntry{}, ErrNotFound
	}
	if r.frozen {
		return AttendanceEntry{}, ErrAlreadyClosed
	}

	removedAt := now
	entry.RemovedAt = &removedAt
	entry.RemovedBy = requesterID
	delete(r.activeByStudent, entry.StudentID)
	r.count--
	if entry.Suspicious {
		r.suspicious--
	}
	return cloneEntry(entry), nil
}

// Snapshot returns the live roster, most recent first.
func (r *RosterAggregator) Snapshot() []AttendanceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AttendanceEntry, 0, r.count)
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].Removed() {
			continue
		}
		out = append(out, cloneEntry(r.entries[i]))
	}
	return out
}

// History returns every entry ever accepted, removed ones included, oldest first.
func (r *RosterAggregator) History() []AttendanceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AttendanceEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, cloneEntry(entry))
	}
	return out
}

func (r *RosterAggregator) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

func (r *RosterAggregator) SuspiciousCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.suspicious
}

// Counts reads both counters under one lock.
func (r *RosterAggregator) Counts() (count int, suspicious int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count, r.suspicious
}

func (r *RosterAggregator) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *RosterAggregator) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

func cloneEntry(entry *AttendanceEntry) AttendanceEntry {
	out := *entry
	if entry.RemovedAt != nil {
		removedAt := *entry.RemovedAt
		out.RemovedAt = &removedAt
	}
	out.SuspicionReasons = append([]string(nil), entry.SuspicionReasons...)
	return out
}
