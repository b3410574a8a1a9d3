package filesystem

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"collab-server/core"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// record is the on-disk form of one snapshot. The file name only carries an
// encoding of the file id, so the id itself is stored alongside the state.
type record struct {
	FileID    string `msgpack:"file_id"`
	State     []byte `msgpack:"state"`
	UpdatedAt int64  `msgpack:"updated_at"`
}

type snapshotStore struct {
	basePath string
	mu       sync.RWMutex
}

// NewSnapshotStore keeps one directory per session under basePath and one
// file per document inside it.
func NewSnapshotStore(basePath string) (core.SnapshotStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("%w: filesystem store needs a base path", core.ErrInvalidArgument)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &snapshotStore{basePath: basePath}, nil
}

// maxEncodedName keeps snapshot names under the common 255 byte limit.
const maxEncodedName = 200

// encodeFileID maps a file id to a flat file name. Ids too long to encode
// are named by their sha256 instead; the "h." prefix cannot occur in
// base64url output.
func encodeFileID(fileID string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(fileID))
	if len(name) > maxEncodedName {
		sum := sha256.Sum256([]byte(fileID))
		name = "h." + hex.EncodeToString(sum[:])
	}
	return name + ".snap"
}

func (s *snapshotStore) sessionPath(sessionID string) string {
	return filepath.Join(s.basePath, sessionID)
}

func (s *snapshotStore) SaveSnapshot(ctx context.Context, sessionID, fileID string, state []byte) error {
	if err := core.ValidateSnapshotKey(sessionID, fileID); err != nil {
		return err
	}
	dir := s.sessionPath(sessionID)
	target := filepath.Join(dir, encodeFileID(fileID))
	log := logrus.WithFields(logrus.Fields{
		"document_id": core.DocumentKey(sessionID, fileID),
		"file_path":   target,
		"data_length": len(state),
	})

	data, err := msgpack.Marshal(&record{FileID: fileID, State: state, UpdatedAt: time.Now().UnixMilli()})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		log.WithError(err).Error("Failed to create session directory")
		return err
	}
	tmp, err := os.CreateTemp(dir, ".snap-*")
	if err != nil {
		log.WithError(err).Error("Failed to create temp file")
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		log.WithError(err).Error("Failed to write snapshot")
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		log.WithError(err).Error("Failed to replace snapshot")
		return err
	}

	log.Debug("Snapshot saved")
	return nil
}

func (s *snapshotStore) readRecord(path string) (*record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt snapshot %s: %w", path, err)
	}
	return &rec, nil
}

func (s *snapshotStore) LoadSnapshots(ctx context.Context, sessionID string) ([]core.DocumentSnapshot, error) {
	snapshots := []core.DocumentSnapshot{}
	if core.ValidateSnapshotKey(sessionID, "-") != nil {
		return snapshots, nil
	}
	dir := s.sessionPath(sessionID)
	log := logrus.WithFields(logrus.Fields{"session_id": sessionID, "path": dir})

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return snapshots, nil
		}
		log.WithError(err).Error("Failed to read session directory")
		return nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".snap" {
			continue
		}
		rec, err := s.readRecord(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.WithError(err).Warnf("Skipping unreadable snapshot %s", entry.Name())
			continue
		}
		snapshots = append(snapshots, core.DocumentSnapshot{
			ID:        core.DocumentKey(sessionID, rec.FileID),
			SessionID: sessionID,
			FileID:    rec.FileID,
			State:     rec.State,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].FileID < snapshots[j].FileID })
	log.Debugf("Loaded %d snapshots", len(snapshots))
	return snapshots, nil
}

func (s *snapshotStore) GetSnapshot(ctx context.Context, sessionID, fileID string) (*core.DocumentSnapshot, error) {
	id := core.DocumentKey(sessionID, fileID)
	if core.ValidateSnapshotKey(sessionID, fileID) != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrSnapshotNotFound, id)
	}
	path := filepath.Join(s.sessionPath(sessionID), encodeFileID(fileID))

	s.mu.RLock()
	rec, err := s.readRecord(path)
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", core.ErrSnapshotNotFound, id)
		}
		logrus.WithField("document_id", id).WithError(err).Error("Failed to read snapshot")
		return nil, err
	}
	if rec.FileID != fileID {
		return nil, fmt.Errorf("%w: %s", core.ErrSnapshotNotFound, id)
	}
	return &core.DocumentSnapshot{
		ID:        id,
		SessionID: sessionID,
		FileID:    rec.FileID,
		State:     rec.State,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

func (s *snapshotStore) DeleteSnapshots(ctx context.Context, sessionID string) error {
	if err := core.ValidateSnapshotKey(sessionID, "-"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.sessionPath(sessionID)); err != nil {
		logrus.WithField("session_id", sessionID).WithError(err).Error("Failed to delete snapshots")
		return err
	}
	return nil
}

func (s *snapshotStore) ListSessions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		files, err := filepath.Glob(filepath.Join(s.basePath, entry.Name(), "*.snap"))
		if err == nil && len(files) > 0 {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
