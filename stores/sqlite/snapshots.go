package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"collab-server/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const schema = `CREATE TABLE IF NOT EXISTS snapshots (
	session_id TEXT NOT NULL,
	file_id TEXT NOT NULL,
	state BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, file_id)
);`

type snapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(dataSourceName string) (core.SnapshotStore, error) {
	if dataSourceName == "" {
		return nil, fmt.Errorf("%w: sqlite store needs a data source name", core.ErrInvalidArgument)
	}
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY under concurrent autosaves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshots table: %w", err)
	}
	return &snapshotStore{db: db}, nil
}

func (s *snapshotStore) SaveSnapshot(ctx context.Context, sessionID, fileID string, state []byte) error {
	if err := core.ValidateSnapshotKey(sessionID, fileID); err != nil {
		return err
	}
	if state == nil {
		state = []byte{}
	}
	log := logrus.WithFields(logrus.Fields{
		"document_id": core.DocumentKey(sessionID, fileID),
		"data_length": len(state),
	})

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO snapshots (session_id, file_id, state, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT(session_id, file_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at",
		sessionID, fileID, state, time.Now().UnixMilli())
	if err != nil {
		log.WithField("error", err).Error("Failed to save snapshot")
		return err
	}
	log.Debug("Snapshot saved")
	return nil
}

func (s *snapshotStore) LoadSnapshots(ctx context.Context, sessionID string) ([]core.DocumentSnapshot, error) {
	log := logrus.WithField("session_id", sessionID)

	rows, err := s.db.QueryContext(ctx,
		"SELECT file_id, state, updated_at FROM snapshots WHERE session_id = ? ORDER BY file_id ASC",
		sessionID)
	if err != nil {
		log.WithField("error", err).Error("Failed to load snapshots")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close snapshot rows")
		}
	}()

	snapshots := []core.DocumentSnapshot{}
	for rows.Next() {
		snapshot := core.DocumentSnapshot{SessionID: sessionID}
		if err := rows.Scan(&snapshot.FileID, &snapshot.State, &snapshot.UpdatedAt); err != nil {
			return nil, err
		}
		snapshot.ID = core.DocumentKey(sessionID, snapshot.FileID)
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	log.Debugf("Loaded %d snapshots", len(snapshots))
	return snapshots, nil
}

func (s *snapshotStore) GetSnapshot(ctx context.Context, sessionID, fileID string) (*core.DocumentSnapshot, error) {
	id := core.DocumentKey(sessionID, fileID)
	snapshot := core.DocumentSnapshot{ID: id, SessionID: sessionID, FileID: fileID}
	err := s.db.QueryRowContext(ctx,
		"SELECT state, updated_at FROM snapshots WHERE session_id = ? AND file_id = ?",
		sessionID, fileID).Scan(&snapshot.State, &snapshot.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", core.ErrSnapshotNotFound, id)
		}
		logrus.WithField("document_id", id).WithField("error", err).Error("Failed to retrieve snapshot")
		return nil, err
	}
	return &snapshot, nil
}

func (s *snapshotStore) DeleteSnapshots(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", core.ErrInvalidArgument)
	}
	result, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE session_id = ?", sessionID)
	if err != nil {
		logrus.WithField("session_id", sessionID).WithField("error", err).Error("Failed to delete snapshots")
		return err
	}
	if n, err := result.RowsAffected(); err == nil {
		logrus.WithFields(logrus.Fields{"session_id": sessionID, "deleted": n}).Debug("Snapshots deleted")
	}
	return nil
}

func (s *snapshotStore) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT session_id FROM snapshots ORDER BY session_id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the database handle.
func (s *snapshotStore) Close() error {
	return s.db.Close()
}
