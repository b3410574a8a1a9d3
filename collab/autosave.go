package collab

import (
	"context"
	"sync"
	"time"

	"collab-server/core"
	"collab-server/document"
	"collab-server/metrics"

	"github.com/sirupsen/logrus"
)

const flushTimeout = 10 * time.Second

// autosaver remembers the document store of every live session and which
// files changed since they were last written to the snapshot store.
type autosaver struct {
	store   core.SnapshotStore
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*document.Store
	dirty    map[string]map[string]struct{}
}

func newAutosaver(store core.SnapshotStore, m *metrics.Metrics) *autosaver {
	return &autosaver{
		store:    store,
		metrics:  m,
		sessions: make(map[string]*document.Store),
		dirty:    make(map[string]map[string]struct{}),
	}
}

func (a *autosaver) track(sessionID string, docs *document.Store) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[sessionID] = docs
}

// markDirty records a changed file. Sessions that are not tracked, including
// ones already removed and flushed, are ignored.
func (a *autosaver) markDirty(sessionID, fileID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[sessionID]; !ok {
		return
	}
	files, ok := a.dirty[sessionID]
	if !ok {
		files = make(map[string]struct{})
		a.dirty[sessionID] = files
	}
	files[fileID] = struct{}{}
}

// untrack forgets a removed session and returns its store for a final flush.
func (a *autosaver) untrack(sessionID string) *document.Store {
	a.mu.Lock()
	defer a.mu.Unlock()
	docs := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	delete(a.dirty, sessionID)
	return docs
}

func (a *autosaver) save(ctx context.Context, docs *document.Store, fileID string) error {
	state, err := docs.EncodeState(fileID)
	if err == nil {
		err = a.store.SaveSnapshot(ctx, docs.SessionID(), fileID, state)
	}
	a.metrics.SnapshotWritten(err)
	if err != nil {
		logrus.WithError(err).WithField("document_id", docs.DocumentID(fileID)).Error("Failed to save snapshot")
	}
	return err
}

// flushDirty writes every file changed since the previous flush. Files that
// fail to save stay dirty for the next round unless their session is gone.
func (a *autosaver) flushDirty(ctx context.Context) int {
	if a.store == nil {
		return 0
	}
	a.mu.Lock()
	pending := a.dirty
	a.dirty = make(map[string]map[string]struct{})
	stores := make(map[string]*document.Store, len(pending))
	for id := range pending {
		stores[id] = a.sessions[id]
	}
	a.mu.Unlock()

	saved := 0
	for sessionID, files := range pending {
		docs := stores[sessionID]
		if docs == nil {
			continue
		}
		for fileID := range files {
			if err := a.save(ctx, docs, fileID); err != nil {
				a.markDirty(sessionID, fileID)
				continue
			}
			saved++
		}
	}
	if saved > 0 {
		logrus.WithField("documents", saved).Debug("Autosaved documents")
	}
	return saved
}

// flushSession writes every file of docs regardless of dirtiness.
func (a *autosaver) flushSession(ctx context.Context, docs *document.Store) error {
	if a.store == nil || docs == nil {
		return nil
	}
	var firstErr error
	for _, fileID := range docs.Files() {
		if err := a.save(ctx, docs, fileID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	logrus.WithFields(logrus.Fields{
		"session_id": docs.SessionID(),
		"files":      len(docs.Files()),
	}).Info("Flushed session documents")
	return firstErr
}

// flushAll writes every tracked session, used on shutdown.
func (a *autosaver) flushAll(ctx context.Context) {
	a.mu.Lock()
	stores := make([]*document.Store, 0, len(a.sessions))
	for _, docs := range a.sessions {
		stores = append(stores, docs)
	}
	a.dirty = make(map[string]map[string]struct{})
	a.mu.Unlock()

	for _, docs := range stores {
		_ = a.flushSession(ctx, docs)
	}
}

// run flushes dirty documents every interval until ctx is done.
func (a *autosaver) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
			a.flushDirty(flushCtx)
			cancel()
		}
	}
}
