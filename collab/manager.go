// Package collab is the entry point for the command layer. A Manager owns
// the session registry and the peer transport, starts the transport with
// the first session and stops it once the last session is gone.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-server/core"
	"collab-server/document"
	"collab-server/metrics"
	"collab-server/session"
	"collab-server/transport"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type Options struct {
	// Registry is shared with API handlers; a fresh one is created when nil.
	Registry  *session.Registry
	Transport transport.Options
	// Store receives document snapshots. Persistence is off when nil.
	Store            core.SnapshotStore
	Events           core.EventSink
	Metrics          *metrics.Metrics
	AutosaveInterval time.Duration

	// NewTransport builds the peer server around the manager's router.
	// Defaults to transport.NewServer.
	NewTransport func(*transport.Router, transport.Options) transport.Transport
}

type Manager struct {
	registry  *session.Registry
	router    *transport.Router
	transport transport.Transport
	store     core.SnapshotStore
	events    core.EventSink
	metrics   *metrics.Metrics
	autosave  *autosaver

	// mu serialises server start/stop against session creation so a session
	// is never created on a server that is about to stop.
	mu sync.Mutex

	stopAutosave context.CancelFunc
	autosaveDone chan struct{}
	closeOnce    sync.Once
}

var _ transport.Hooks = (*Manager)(nil)

func NewManager(opts Options) *Manager {
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry()
	}
	if opts.Events == nil {
		opts.Events = core.LogSink{}
	}
	if opts.NewTransport == nil {
		opts.NewTransport = func(r *transport.Router, o transport.Options) transport.Transport {
			return transport.NewServer(r, o)
		}
	}
	if opts.Transport.Metrics == nil {
		opts.Transport.Metrics = opts.Metrics
	}

	m := &Manager{
		registry: opts.Registry,
		store:    opts.Store,
		events:   opts.Events,
		metrics:  opts.Metrics,
		autosave: newAutosaver(opts.Store, opts.Metrics),
	}
	m.router = transport.NewRouter(m.registry, m, opts.Metrics)
	m.transport = opts.NewTransport(m.router, opts.Transport)

	if opts.Store != nil && opts.AutosaveInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		m.stopAutosave = cancel
		m.autosaveDone = make(chan struct{})
		go func() {
			defer close(m.autosaveDone)
			m.autosave.run(ctx, opts.AutosaveInterval)
		}()
	}
	return m
}

func (m *Manager) Registry() *session.Registry { return m.registry }

func (m *Manager) Router() *transport.Router { return m.router }

// EnsureServerRunning starts the transport on first use and returns the
// bound port.
func (m *Manager) EnsureServerRunning(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureServerRunningLocked(ctx)
}

func (m *Manager) ensureServerRunningLocked(ctx context.Context) (int, error) {
	port, err := m.transport.Start(ctx)
	if err != nil {
		if !errors.Is(err, core.ErrServerStart) {
			err = fmt.Errorf("%w: %v", core.ErrServerStart, err)
		}
		logrus.WithError(err).Error("Failed to start transport server")
		return 0, err
	}
	return port, nil
}

// StopServer shuts the transport down. Connected peers are closed and leave
// their sessions implicitly.
func (m *Manager) StopServer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport.Stop()
}

func (m *Manager) ServerRunning() bool { return m.transport.Running() }

func (m *Manager) ServerPort() int { return m.transport.Port() }

// CreateSession starts the transport if needed and opens a new session with
// the caller as its only participant. It returns the caller's participant id.
func (m *Manager) CreateSession(ctx context.Context, name, userName string) (core.SessionInfo, string, error) {
	return m.openSession(ctx, ulid.Make().String(), name, userName, nil)
}

// ResumeSession reopens a session under a known id and seeds its documents
// from the snapshot store.
func (m *Manager) ResumeSession(ctx context.Context, sessionID, name, userName string) (core.SessionInfo, string, error) {
	if err := core.ValidateSnapshotKey(sessionID, "-"); err != nil {
		return core.SessionInfo{}, "", err
	}
	var snapshots []core.DocumentSnapshot
	if m.store != nil {
		var err error
		if snapshots, err = m.store.LoadSnapshots(ctx, sessionID); err != nil {
			return core.SessionInfo{}, "", fmt.Errorf("load snapshots of %s: %w", sessionID, err)
		}
	}
	return m.openSession(ctx, sessionID, name, userName, snapshots)
}

func (m *Manager) openSession(ctx context.Context, sessionID, name, userName string, snapshots []core.DocumentSnapshot) (core.SessionInfo, string, error) {
	userID := uuid.NewString()

	m.mu.Lock()
	if _, err := m.ensureServerRunningLocked(ctx); err != nil {
		m.mu.Unlock()
		return core.SessionInfo{}, "", err
	}
	info, err := m.registry.Create(sessionID, name, userID, userName)
	if err != nil {
		if m.registry.Count() == 0 {
			_ = m.transport.Stop()
		}
		m.mu.Unlock()
		return core.SessionInfo{}, "", err
	}
	m.mu.Unlock()

	if docs, ok := m.registry.DocumentStore(sessionID); ok {
		for _, snapshot := range snapshots {
			if err := docs.Load(snapshot.FileID, snapshot.State); err != nil {
				logrus.WithError(err).WithField("document_id", snapshot.ID).Warn("Skipping unreadable snapshot")
			}
		}
		m.autosave.track(sessionID, docs)
	}
	m.metrics.SetSessions(m.registry.Count())

	m.events.Emit(core.Event{
		Type:      core.EventSessionCreated,
		SessionID: sessionID,
		UserID:    userID,
		UserName:  userName,
		Session:   &info,
	})
	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    userID,
		"port":       m.transport.Port(),
		"documents":  len(snapshots),
	}).Info("Hosting session")
	return info, userID, nil
}

// JoinSession adds a new participant and returns the participant id.
func (m *Manager) JoinSession(ctx context.Context, sessionID, userName string) (core.SessionInfo, string, error) {
	userID := uuid.NewString()
	info, err := m.registry.Join(sessionID, userID, userName)
	if err != nil {
		return core.SessionInfo{}, "", err
	}
	if docs, ok := m.registry.DocumentStore(sessionID); ok {
		m.autosave.track(sessionID, docs)
	}

	m.transport.Publish(sessionID, transport.NewEnvelope(transport.KindUserJoined, "", transport.MembershipPayload{
		SessionID: sessionID,
		UserID:    userID,
		UserName:  userName,
	}))
	m.events.Emit(core.Event{
		Type:      core.EventUserJoined,
		SessionID: sessionID,
		UserID:    userID,
		UserName:  userName,
		Session:   &info,
	})
	return info, userID, nil
}

// LeaveSession removes the participant and closes any peer connection bound
// as that participant. When that empties the session its
// documents are flushed and, if no session remains, the transport stops
// before LeaveSession returns.
func (m *Manager) LeaveSession(ctx context.Context, sessionID, userID string) (bool, error) {
	removed, err := m.registry.Leave(sessionID, userID)
	if err != nil {
		return false, err
	}
	m.router.Unbind(sessionID, userID)

	m.transport.Publish(sessionID, transport.NewEnvelope(transport.KindUserLeft, "", transport.MembershipPayload{
		SessionID:      sessionID,
		UserID:         userID,
		SessionRemoved: removed,
	}))
	m.emitLeft(sessionID, userID, removed)

	if removed {
		m.finishSession(ctx, sessionID, m.autosave.untrack(sessionID))
	}
	return removed, nil
}

// BroadcastCursor records a local cursor move and relays it to peers.
func (m *Manager) BroadcastCursor(ctx context.Context, sessionID, userID, fileID string, line, column int) error {
	if fileID == "" {
		return fmt.Errorf("%w: file id is required", core.ErrInvalidArgument)
	}
	entry, err := m.registry.UpdateCursor(sessionID, userID, core.CursorPosition{FileID: fileID, Line: line, Column: column})
	if err != nil {
		return err
	}
	m.transport.Publish(sessionID, transport.NewEnvelope(transport.KindCursor, "", transport.CursorPayload{
		SessionID: sessionID,
		UserID:    userID,
		FileID:    fileID,
		Line:      line,
		Column:    column,
		Timestamp: entry.Timestamp,
	}))
	return nil
}

// SyncDocument merges update into the file and returns the full resulting
// state. A non-empty update is relayed to peers. An undecodable update
// returns an error wrapping core.ErrDecode and changes nothing.
func (m *Manager) SyncDocument(ctx context.Context, sessionID, fileID string, update []byte) ([]byte, error) {
	if fileID == "" {
		return nil, fmt.Errorf("%w: file id is required", core.ErrInvalidArgument)
	}
	docs, ok := m.registry.DocumentStore(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, sessionID)
	}
	state, err := docs.ApplyAndEncode(fileID, update)
	if err != nil {
		return nil, err
	}
	if len(update) > 0 {
		m.metrics.DocumentUpdate(len(update))
		m.autosave.markDirty(sessionID, fileID)
		m.transport.Publish(sessionID, transport.NewEnvelope(transport.KindDocumentUpdate, "", transport.DocumentUpdatePayload{
			SessionID: sessionID,
			FileID:    fileID,
			Delta:     update,
		}))
	}
	return state, nil
}

// Flush writes every document changed since the last autosave.
func (m *Manager) Flush(ctx context.Context) int {
	return m.autosave.flushDirty(ctx)
}

// Close stops autosaving, writes every live session and stops the server.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		if m.stopAutosave != nil {
			m.stopAutosave()
			<-m.autosaveDone
		}
		m.autosave.flushAll(ctx)
		err = m.StopServer()
	})
	return err
}

// PeerJoined is called by the router after a peer joined over the transport.
func (m *Manager) PeerJoined(sessionID, userID, userName string) {
	if docs, ok := m.registry.DocumentStore(sessionID); ok {
		m.autosave.track(sessionID, docs)
	}
	m.events.Emit(core.Event{
		Type:      core.EventUserJoined,
		SessionID: sessionID,
		UserID:    userID,
		UserName:  userName,
	})
}

// PeerLeft is called by the router after an explicit or implicit leave. It
// may run while the transport is stopping, so removal work happens on
// another goroutine.
func (m *Manager) PeerLeft(sessionID, userID string, sessionRemoved bool) {
	m.emitLeft(sessionID, userID, sessionRemoved)
	if !sessionRemoved {
		return
	}
	docs := m.autosave.untrack(sessionID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		m.finishSession(ctx, sessionID, docs)
	}()
}

func (m *Manager) DocumentChanged(sessionID, fileID string) {
	m.autosave.markDirty(sessionID, fileID)
}

func (m *Manager) emitLeft(sessionID, userID string, removed bool) {
	m.metrics.SetSessions(m.registry.Count())
	m.events.Emit(core.Event{
		Type:           core.EventUserLeft,
		SessionID:      sessionID,
		UserID:         userID,
		SessionRemoved: removed,
	})
}

// finishSession flushes a removed session and stops the transport when no
// session is left.
func (m *Manager) finishSession(ctx context.Context, sessionID string, docs *document.Store) {
	if err := m.autosave.flushSession(ctx, docs); err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Error("Final flush incomplete")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registry.Count() > 0 || !m.transport.Running() {
		return
	}
	if err := m.transport.Stop(); err != nil {
		logrus.WithError(err).Warn("Transport server did not stop cleanly")
		return
	}
	logrus.WithField("session_id", sessionID).Info("Last session removed, transport server stopped")
}
