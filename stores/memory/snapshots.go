package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"collab-server/core"

	"github.com/sirupsen/logrus"
)

type snapshotStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]core.DocumentSnapshot
}

func NewSnapshotStore() core.SnapshotStore {
	return &snapshotStore{
		sessions: make(map[string]map[string]core.DocumentSnapshot),
	}
}

func (s *snapshotStore) SaveSnapshot(ctx context.Context, sessionID, fileID string, state []byte) error {
	if err := core.ValidateSnapshotKey(sessionID, fileID); err != nil {
		return err
	}

	snapshot := core.DocumentSnapshot{
		ID:        core.DocumentKey(sessionID, fileID),
		SessionID: sessionID,
		FileID:    fileID,
		State:     append([]byte(nil), state...),
		UpdatedAt: time.Now().UnixMilli(),
	}

	s.mu.Lock()
	files, ok := s.sessions[sessionID]
	if !ok {
		files = make(map[string]core.DocumentSnapshot)
		s.sessions[sessionID] = files
	}
	files[fileID] = snapshot
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"document_id": snapshot.ID,
		"data_length": len(state),
	}).Debug("Snapshot saved")
	return nil
}

func (s *snapshotStore) LoadSnapshots(ctx context.Context, sessionID string) ([]core.DocumentSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := s.sessions[sessionID]
	snapshots := make([]core.DocumentSnapshot, 0, len(files))
	for _, snapshot := range files {
		snapshot.State = append([]byte(nil), snapshot.State...)
		snapshots = append(snapshots, snapshot)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].FileID < snapshots[j].FileID })
	return snapshots, nil
}

func (s *snapshotStore) GetSnapshot(ctx context.Context, sessionID, fileID string) (*core.DocumentSnapshot, error) {
	s.mu.RLock()
	snapshot, ok := s.sessions[sessionID][fileID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSnapshotNotFound, core.DocumentKey(sessionID, fileID))
	}
	snapshot.State = append([]byte(nil), snapshot.State...)
	return &snapshot, nil
}

func (s *snapshotStore) DeleteSnapshots(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", core.ErrInvalidArgument)
	}

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *snapshotStore) ListSessions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id, files := range s.sessions {
		if len(files) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
