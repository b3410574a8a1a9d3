package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"collab-server/core"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

const DefaultPrefix = "collab:"

type record struct {
	State     []byte `msgpack:"state"`
	UpdatedAt int64  `msgpack:"updated_at"`
}

// snapshotStore keeps one hash per session, keyed by file id, plus a set
// of session ids that currently hold snapshots.
type snapshotStore struct {
	client goredis.UniversalClient
	prefix string
}

type Option func(*snapshotStore)

// WithPrefix sets the key prefix. Default: "collab:".
func WithPrefix(prefix string) Option {
	return func(s *snapshotStore) {
		s.prefix = prefix
	}
}

func NewSnapshotStore(client goredis.UniversalClient, opts ...Option) core.SnapshotStore {
	s := &snapshotStore{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (core.SnapshotStore, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return NewSnapshotStore(client, opts...), nil
}

func (s *snapshotStore) sessionsKey() string {
	return s.prefix + "sessions"
}

func (s *snapshotStore) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *snapshotStore) SaveSnapshot(ctx context.Context, sessionID, fileID string, state []byte) error {
	if err := core.ValidateSnapshotKey(sessionID, fileID); err != nil {
		return err
	}
	data, err := msgpack.Marshal(&record{State: state, UpdatedAt: time.Now().UnixMilli()})
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.sessionKey(sessionID), fileID, data)
		pipe.SAdd(ctx, s.sessionsKey(), sessionID)
		return nil
	})
	log := logrus.WithFields(logrus.Fields{
		"document_id": core.DocumentKey(sessionID, fileID),
		"data_length": len(state),
	})
	if err != nil {
		log.WithError(err).Error("Failed to save snapshot")
		return err
	}
	log.Debug("Snapshot saved")
	return nil
}

func decode(sessionID, fileID, raw string) (*core.DocumentSnapshot, error) {
	var rec record
	if err := msgpack.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("corrupt snapshot %s: %w", core.DocumentKey(sessionID, fileID), err)
	}
	return &core.DocumentSnapshot{
		ID:        core.DocumentKey(sessionID, fileID),
		SessionID: sessionID,
		FileID:    fileID,
		State:     rec.State,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

func (s *snapshotStore) LoadSnapshots(ctx context.Context, sessionID string) ([]core.DocumentSnapshot, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	snapshots := make([]core.DocumentSnapshot, 0, len(fields))
	for fileID, raw := range fields {
		snapshot, err := decode(sessionID, fileID, raw)
		if err != nil {
			logrus.WithError(err).Warn("Skipping unreadable snapshot")
			continue
		}
		snapshots = append(snapshots, *snapshot)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].FileID < snapshots[j].FileID })
	return snapshots, nil
}

func (s *snapshotStore) GetSnapshot(ctx context.Context, sessionID, fileID string) (*core.DocumentSnapshot, error) {
	raw, err := s.client.HGet(ctx, s.sessionKey(sessionID), fileID).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("%w: %s", core.ErrSnapshotNotFound, core.DocumentKey(sessionID, fileID))
		}
		return nil, err
	}
	return decode(sessionID, fileID, raw)
}

func (s *snapshotStore) DeleteSnapshots(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", core.ErrInvalidArgument)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(sessionID))
		pipe.SRem(ctx, s.sessionsKey(), sessionID)
		return nil
	})
	return err
}

func (s *snapshotStore) ListSessions(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.sessionsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}
