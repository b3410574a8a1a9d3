// Package presence tracks ephemeral per-participant state (cursor, selection,
// active file) for one session.
//
// Remote entries merge with last-writer-wins on the entry timestamp: an
// update whose timestamp is not strictly newer than the stored one is
// dropped. Timestamps come from peer clocks and skew between peers is not
// compensated, so "newest" may not match causal order when clocks diverge.
package presence

import (
	"sort"
	"sync"
	"time"

	"collab-server/core"
)

type Tracker struct {
	mu      sync.RWMutex
	entries map[string]core.PresenceEntry
	now     func() int64
}

func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[string]core.PresenceEntry),
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// stamp returns a local timestamp for userID that is strictly newer than the
// stored one, so consecutive local updates within a millisecond still win.
// Callers hold t.mu.
func (t *Tracker) stamp(userID string) int64 {
	ts := t.now()
	if prev, ok := t.entries[userID]; ok && ts <= prev.Timestamp {
		ts = prev.Timestamp + 1
	}
	return ts
}

func (t *Tracker) update(userID string, mutate func(*core.PresenceEntry)) core.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.entries[userID].Clone()
	mutate(&entry)
	entry.Timestamp = t.stamp(userID)
	t.entries[userID] = entry
	return entry.Clone()
}

// SetEntry replaces the user's whole entry.
func (t *Tracker) SetEntry(userID string, entry core.PresenceEntry) core.PresenceEntry {
	return t.update(userID, func(e *core.PresenceEntry) { *e = entry.Clone() })
}

func (t *Tracker) UpdateCursor(userID string, cursor core.CursorPosition) core.PresenceEntry {
	return t.update(userID, func(e *core.PresenceEntry) {
		e.Cursor = &cursor
		e.ActiveFile = cursor.FileID
	})
}

func (t *Tracker) UpdateSelection(userID string, selection core.SelectionRange) core.PresenceEntry {
	return t.update(userID, func(e *core.PresenceEntry) { e.Selection = &selection })
}

func (t *Tracker) UpdateActiveFile(userID, fileID string) core.PresenceEntry {
	return t.update(userID, func(e *core.PresenceEntry) { e.ActiveFile = fileID })
}

// mergeAt applies mutate only if ts is strictly newer than the stored entry.
func (t *Tracker) mergeAt(userID string, ts int64, mutate func(*core.PresenceEntry)) (core.PresenceEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.entries[userID]
	if ok && ts <= prev.Timestamp {
		return prev.Clone(), false
	}
	entry := prev.Clone()
	mutate(&entry)
	entry.Timestamp = ts
	t.entries[userID] = entry
	return entry.Clone(), true
}

// UpdateCursorAt applies a remote cursor move stamped with ts.
func (t *Tracker) UpdateCursorAt(userID string, cursor core.CursorPosition, ts int64) (core.PresenceEntry, bool) {
	return t.mergeAt(userID, ts, func(e *core.PresenceEntry) {
		e.Cursor = &cursor
		e.ActiveFile = cursor.FileID
	})
}

// UpdateSelectionAt applies a remote selection change stamped with ts.
func (t *Tracker) UpdateSelectionAt(userID string, selection core.SelectionRange, ts int64) (core.PresenceEntry, bool) {
	return t.mergeAt(userID, ts, func(e *core.PresenceEntry) { e.Selection = &selection })
}

// ApplyUpdate merges a batch of remote entries and returns the user ids whose
// entries were accepted, sorted.
func (t *Tracker) ApplyUpdate(remote map[string]core.PresenceEntry) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	applied := make([]string, 0, len(remote))
	for userID, entry := range remote {
		if prev, ok := t.entries[userID]; ok && entry.Timestamp <= prev.Timestamp {
			continue
		}
		t.entries[userID] = entry.Clone()
		applied = append(applied, userID)
	}
	sort.Strings(applied)
	return applied
}

func (t *Tracker) RemoveUser(userID string) {
	t.mu.Lock()
	delete(t.entries, userID)
	t.mu.Unlock()
}

func (t *Tracker) Entry(userID string) (core.PresenceEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[userID]
	return e.Clone(), ok
}

// UsersInFile returns the users whose cursor is in fileID, sorted.
func (t *Tracker) UsersInFile(fileID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	users := make([]string, 0)
	for userID, e := range t.entries {
		if e.ReferencesFile(fileID) {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}

// Encode returns a copy of every entry for network transmission.
func (t *Tracker) Encode() map[string]core.PresenceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]core.PresenceEntry, len(t.entries))
	for userID, e := range t.entries {
		out[userID] = e.Clone()
	}
	return out
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
