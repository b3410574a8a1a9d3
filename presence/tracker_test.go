package presence

import (
	"sync"
	"testing"

	"collab-server/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cursorEntry(fileID string, line int, ts int64) core.PresenceEntry {
	return core.PresenceEntry{
		Cursor:    &core.CursorPosition{FileID: fileID, Line: line},
		Timestamp: ts,
	}
}

func TestLastWriterWinsEitherOrder(t *testing.T) {
	older := cursorEntry("f1", 1, 100)
	newer := cursorEntry("f1", 2, 200)

	forward := NewTracker()
	forward.ApplyUpdate(map[string]core.PresenceEntry{"alice": older})
	forward.ApplyUpdate(map[string]core.PresenceEntry{"alice": newer})

	backward := NewTracker()
	backward.ApplyUpdate(map[string]core.PresenceEntry{"alice": newer})
	applied := backward.ApplyUpdate(map[string]core.PresenceEntry{"alice": older})
	assert.Empty(t, applied)

	for _, tr := range []*Tracker{forward, backward} {
		e, ok := tr.Entry("alice")
		require.True(t, ok)
		assert.Equal(t, int64(200), e.Timestamp)
		assert.Equal(t, 2, e.Cursor.Line)
	}
}

func TestEqualTimestampIsDiscarded(t *testing.T) {
	tr := NewTracker()
	tr.ApplyUpdate(map[string]core.PresenceEntry{"alice": cursorEntry("f1", 1, 100)})
	applied := tr.ApplyUpdate(map[string]core.PresenceEntry{"alice": cursorEntry("f1", 9, 100)})
	assert.Empty(t, applied)

	e, _ := tr.Entry("alice")
	assert.Equal(t, 1, e.Cursor.Line)
}

func TestUpdateCursorAtRespectsTimestamps(t *testing.T) {
	tr := NewTracker()
	_, ok := tr.UpdateCursorAt("bob", core.CursorPosition{FileID: "f1", Line: 5}, 50)
	require.True(t, ok)
	_, ok = tr.UpdateCursorAt("bob", core.CursorPosition{FileID: "f1", Line: 4}, 40)
	assert.False(t, ok)

	e, _ := tr.Entry("bob")
	assert.Equal(t, 5, e.Cursor.Line)
	assert.Equal(t, "f1", e.ActiveFile)

	_, ok = tr.UpdateSelectionAt("bob", core.SelectionRange{FileID: "f1", EndLine: 3}, 60)
	require.True(t, ok)
	e, _ = tr.Entry("bob")
	assert.Equal(t, 5, e.Cursor.Line, "selection keeps cursor")
	assert.Equal(t, 3, e.Selection.EndLine)
}

func TestLocalUpdatesAreMonotonic(t *testing.T) {
	tr := NewTracker()
	tr.now = func() int64 { return 1000 }

	first := tr.UpdateCursor("alice", core.CursorPosition{FileID: "f1", Line: 1})
	second := tr.UpdateSelection("alice", core.SelectionRange{FileID: "f1"})
	third := tr.UpdateActiveFile("alice", "f2")

	assert.Less(t, first.Timestamp, second.Timestamp)
	assert.Less(t, second.Timestamp, third.Timestamp)
	assert.Equal(t, "f2", third.ActiveFile)
	assert.NotNil(t, third.Cursor)
}

func TestUsersInFile(t *testing.T) {
	tr := NewTracker()
	tr.UpdateCursor("carol", core.CursorPosition{FileID: "main.go"})
	tr.UpdateCursor("alice", core.CursorPosition{FileID: "main.go"})
	tr.UpdateCursor("bob", core.CursorPosition{FileID: "README.md"})
	tr.UpdateActiveFile("dave", "main.go")

	assert.Equal(t, []string{"alice", "carol"}, tr.UsersInFile("main.go"))
	assert.Equal(t, []string{"bob"}, tr.UsersInFile("README.md"))
	assert.Empty(t, tr.UsersInFile("other"))
}

func TestRemoveUserAndEncodeCopies(t *testing.T) {
	tr := NewTracker()
	tr.UpdateCursor("alice", core.CursorPosition{FileID: "f1", Line: 1})
	tr.UpdateCursor("bob", core.CursorPosition{FileID: "f1", Line: 2})

	snapshot := tr.Encode()
	require.Len(t, snapshot, 2)
	snapshot["alice"].Cursor.Line = 99

	e, _ := tr.Entry("alice")
	assert.Equal(t, 1, e.Cursor.Line, "encode must not alias tracker state")

	tr.RemoveUser("alice")
	_, ok := tr.Entry("alice")
	assert.False(t, ok)
	assert.Equal(t, 1, tr.Len())
}

func TestConcurrentParticipants(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	users := []string{"a", "b", "c", "d"}
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tr.UpdateCursor(u, core.CursorPosition{FileID: "f", Line: i})
			}
		}(u)
	}
	wg.Wait()

	for _, u := range users {
		e, ok := tr.Entry(u)
		require.True(t, ok)
		assert.Equal(t, 99, e.Cursor.Line)
	}
}
