// Package storetest holds the behaviour every core.SnapshotStore must share.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"collab-server/core"
)

// Run exercises a store created fresh for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) core.SnapshotStore) {
	t.Run("SaveAndGet", func(t *testing.T) { testSaveAndGet(t, newStore(t)) })
	t.Run("SaveReplacesState", func(t *testing.T) { testSaveReplaces(t, newStore(t)) })
	t.Run("GetNotFound", func(t *testing.T) { testGetNotFound(t, newStore(t)) })
	t.Run("LoadSortedAndScoped", func(t *testing.T) { testLoadScoped(t, newStore(t)) })
	t.Run("FileIDWithPathSeparators", func(t *testing.T) { testNestedFileID(t, newStore(t)) })
	t.Run("LongFileID", func(t *testing.T) { testLongFileID(t, newStore(t)) })
	t.Run("DeleteSnapshots", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("InvalidKeys", func(t *testing.T) { testInvalidKeys(t, newStore(t)) })
	t.Run("ConcurrentSaves", func(t *testing.T) { testConcurrentSaves(t, newStore(t)) })
}

func testSaveAndGet(t *testing.T, store core.SnapshotStore) {
	ctx := context.Background()
	state := []byte{0x82, 0xa1, 0x69, 0x90}

	if err := store.SaveSnapshot(ctx, "s1", "main.go", state); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}

	snapshot, err := store.GetSnapshot(ctx, "s1", "main.go")
	if err != nil {
		t.Fatalf("GetSnapshot() failed: %v", err)
	}
	if !bytes.Equal(snapshot.State, state) {
		t.Errorf("GetSnapshot() state mismatch: got %v, want %v", snapshot.State, state)
	}
	if snapshot.SessionID != "s1" || snapshot.FileID != "main.go" {
		t.Errorf("GetSnapshot() returned wrong key: %s/%s", snapshot.SessionID, snapshot.FileID)
	}
	if snapshot.ID != core.DocumentKey("s1", "main.go") {
		t.Errorf("GetSnapshot() id = %q", snapshot.ID)
	}
	if snapshot.UpdatedAt == 0 {
		t.Error("GetSnapshot() returned zero UpdatedAt")
	}
}

func testSaveReplaces(t *testing.T, store core.SnapshotStore) {
	ctx := context.Background()
	if err := store.SaveSnapshot(ctx, "s1", "f1", []byte("old")); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}
	if err := store.SaveSnapshot(ctx, "s1", "f1", []byte("new")); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}

	snapshots, err := store.LoadSnapshots(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadSnapshots() failed: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("expected exactly one snapshot per file, got %d", len(snapshots))
	}
	if string(snapshots[0].State) != "new" {
		t.Errorf("expected latest state, got %q", snapshots[0].State)
	}
}

func testGetNotFound(t *testing.T, store core.SnapshotStore) {
	_, err := store.GetSnapshot(context.Background(), "missing", "f1")
	if !errors.Is(err, core.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}

	snapshots, err := store.LoadSnapshots(context.Background(), "missing")
	if err != nil {
		t.Fatalf("LoadSnapshots() on unknown session failed: %v", err)
	}
	if len(snapshots) != 0 {
		t.Errorf("expected no snapshots, got %d", len(snapshots))
	}
}

func testLoadScoped(t *testing.T, store core.SnapshotStore) {
	ctx := context.Background()
	for _, key := range [][2]string{{"s1", "b.go"}, {"s1", "a.go"}, {"s2", "a.go"}} {
		if err := store.SaveSnapshot(ctx, key[0], key[1], []byte(key[0]+key[1])); err != nil {
			t.Fatalf("SaveSnapshot(%v) failed: %v", key, err)
		}
	}

	snapshots, err := store.LoadSnapshots(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadSnapshots() failed: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("expected 2 snapshots for s1, got %d", len(snapshots))
	}
	if snapshots[0].FileID != "a.go" || snapshots[1].FileID != "b.go" {
		t.Errorf("snapshots not sorted by file id: %s, %s", snapshots[0].FileID, snapshots[1].FileID)
	}
	for _, snapshot := range snapshots {
		if snapshot.SessionID != "s1" {
			t.Errorf("snapshot from session %s leaked into s1", snapshot.SessionID)
		}
	}

	sessions, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() failed: %v", err)
	}
	if len(sessions) != 2 || sessions[0] != "s1" || sessions[1] != "s2" {
		t.Errorf("ListSessions() = %v, want [s1 s2]", sessions)
	}
}

func testNestedFileID(t *testing.T, store core.SnapshotStore) {
	ctx := context.Background()
	fileID := "src/pkg/../main.go"
	if err := store.SaveSnapshot(ctx, "s1", fileID, []byte("x")); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}

	snapshot, err := store.GetSnapshot(ctx, "s1", fileID)
	if err != nil {
		t.Fatalf("GetSnapshot() failed: %v", err)
	}
	if snapshot.FileID != fileID {
		t.Errorf("file id mangled: got %q, want %q", snapshot.FileID, fileID)
	}
}

func testLongFileID(t *testing.T, store core.SnapshotStore) {
	ctx := context.Background()
	long := "src/" + strings.Repeat("deeply/nested/", 30) + "main.go"
	other := long[:len(long)-2] + "rs"
	if err := store.SaveSnapshot(ctx, "s1", long, []byte("go")); err != nil {
		t.Fatalf("SaveSnapshot() with a %d byte file id failed: %v", len(long), err)
	}
	if err := store.SaveSnapshot(ctx, "s1", other, []byte("rs")); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}

	snapshot, err := store.GetSnapshot(ctx, "s1", long)
	if err != nil {
		t.Fatalf("GetSnapshot() failed: %v", err)
	}
	if snapshot.FileID != long || string(snapshot.State) != "go" {
		t.Errorf("GetSnapshot() returned %q with state %q", snapshot.FileID, snapshot.State)
	}

	snapshots, err := store.LoadSnapshots(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadSnapshots() failed: %v", err)
	}
	if len(snapshots) != 2 {
		t.Errorf("expected 2 snapshots, got %d", len(snapshots))
	}
}

func testDelete(t *testing.T, store core.SnapshotStore) {
	ctx := context.Background()
	if err := store.SaveSnapshot(ctx, "s1", "f1", []byte("x")); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}
	if err := store.SaveSnapshot(ctx, "s2", "f1", []byte("y")); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}

	if err := store.DeleteSnapshots(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSnapshots() failed: %v", err)
	}
	if _, err := store.GetSnapshot(ctx, "s1", "f1"); !errors.Is(err, core.ErrSnapshotNotFound) {
		t.Errorf("expected s1 snapshots to be gone, got %v", err)
	}
	if _, err := store.GetSnapshot(ctx, "s2", "f1"); err != nil {
		t.Errorf("deleting s1 removed s2: %v", err)
	}
	if err := store.DeleteSnapshots(ctx, "s1"); err != nil {
		t.Errorf("deleting an absent session should succeed, got %v", err)
	}
}

func testInvalidKeys(t *testing.T, store core.SnapshotStore) {
	ctx := context.Background()
	cases := [][2]string{{"", "f1"}, {"s1", ""}, {"../escape", "f1"}, {"..", "f1"}}
	for _, key := range cases {
		err := store.SaveSnapshot(ctx, key[0], key[1], []byte("x"))
		if !errors.Is(err, core.ErrInvalidArgument) {
			t.Errorf("SaveSnapshot(%q, %q) expected ErrInvalidArgument, got %v", key[0], key[1], err)
		}
	}
}

func testConcurrentSaves(t *testing.T, store core.SnapshotStore) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fileID := fmt.Sprintf("f%d", i)
			if err := store.SaveSnapshot(ctx, "s1", fileID, []byte(fileID)); err != nil {
				t.Errorf("SaveSnapshot(%s) failed: %v", fileID, err)
			}
		}(i)
	}
	wg.Wait()

	snapshots, err := store.LoadSnapshots(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadSnapshots() failed: %v", err)
	}
	if len(snapshots) != 10 {
		t.Errorf("expected 10 snapshots, got %d", len(snapshots))
	}
}
