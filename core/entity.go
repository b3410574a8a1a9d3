package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type (
	// Participant is one user inside a session roster.
	Participant struct {
		ID       string    `json:"id"`
		Name     string    `json:"name"`
		JoinedAt time.Time `json:"joinedAt"`
	}

	// SessionInfo is a point-in-time snapshot of a session handed to callers.
	SessionInfo struct {
		SessionID    string        `json:"sessionId"`
		Name         string        `json:"name"`
		Participants []Participant `json:"participants"`
		CreatedAt    time.Time     `json:"createdAt"`
	}

	CursorPosition struct {
		FileID string `json:"fileId" msgpack:"file_id"`
		Line   int    `json:"line" msgpack:"line"`
		Column int    `json:"column" msgpack:"column"`
	}

	SelectionRange struct {
		FileID      string `json:"fileId" msgpack:"file_id"`
		StartLine   int    `json:"startLine" msgpack:"start_line"`
		StartColumn int    `json:"startColumn" msgpack:"start_column"`
		EndLine     int    `json:"endLine" msgpack:"end_line"`
		EndColumn   int    `json:"endColumn" msgpack:"end_column"`
	}

	// PresenceEntry is the ephemeral state of one participant. Timestamp is
	// in unix milliseconds and drives last-writer-wins merging.
	PresenceEntry struct {
		Cursor     *CursorPosition `json:"cursor,omitempty"`
		Selection  *SelectionRange `json:"selection,omitempty"`
		ActiveFile string          `json:"activeFile,omitempty"`
		Timestamp  int64           `json:"timestamp"`
	}

	// DocumentSnapshot is the persisted current state of one file in one session.
	DocumentSnapshot struct {
		ID        string `json:"id"`
		SessionID string `json:"sessionId"`
		FileID    string `json:"fileId"`
		State     []byte `json:"state,omitempty"`
		UpdatedAt int64  `json:"updatedAt"`
	}

	// SnapshotStore persists the latest encoded state of session documents.
	// Only the current state is kept; saving a file replaces its previous snapshot.
	SnapshotStore interface {
		SaveSnapshot(ctx context.Context, sessionID, fileID string, state []byte) error
		LoadSnapshots(ctx context.Context, sessionID string) ([]DocumentSnapshot, error)
		GetSnapshot(ctx context.Context, sessionID, fileID string) (*DocumentSnapshot, error)
		DeleteSnapshots(ctx context.Context, sessionID string) error
		ListSessions(ctx context.Context) ([]string, error)
	}
)

// DocumentKey is the compound identifier of a file inside a session.
func DocumentKey(sessionID, fileID string) string {
	return sessionID + "/" + fileID
}

// ValidateSnapshotKey rejects ids stores cannot address safely. Session ids
// become directory names and key prefixes, so they must not contain path
// separators; file ids may, and are encoded by each store.
func ValidateSnapshotKey(sessionID, fileID string) error {
	if sessionID == "" || sessionID == "." || sessionID == ".." || strings.ContainsAny(sessionID, "/\\") {
		return fmt.Errorf("%w: session id %q", ErrInvalidArgument, sessionID)
	}
	if fileID == "" {
		return fmt.Errorf("%w: empty file id", ErrInvalidArgument)
	}
	return nil
}

// Clone returns a deep copy so callers can keep the entry after the tracker
// replaces it.
func (e PresenceEntry) Clone() PresenceEntry {
	out := e
	if e.Cursor != nil {
		c := *e.Cursor
		out.Cursor = &c
	}
	if e.Selection != nil {
		s := *e.Selection
		out.Selection = &s
	}
	return out
}

// ReferencesFile reports whether the entry's cursor points into fileID.
func (e PresenceEntry) ReferencesFile(fileID string) bool {
	return e.Cursor != nil && e.Cursor.FileID == fileID
}
