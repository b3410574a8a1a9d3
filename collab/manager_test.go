package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"collab-server/core"
	"collab-server/crdt"
	"collab-server/stores/memory"
	"collab-server/transport"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu        sync.Mutex
	running   bool
	startErr  error
	starts    int
	stops     int
	published []transport.Envelope
}

func (f *fakeTransport) Start(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return 0, f.startErr
	}
	if !f.running {
		f.starts++
		f.running = true
	}
	return 4455, nil
}

func (f *fakeTransport) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		f.stops++
		f.running = false
	}
	return nil
}

func (f *fakeTransport) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTransport) Port() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return 4455
	}
	return 0
}

func (f *fakeTransport) Publish(sessionID string, env transport.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, env)
}

func (f *fakeTransport) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, 0, len(f.published))
	for _, env := range f.published {
		kinds = append(kinds, env.Kind)
	}
	return kinds
}

func newFakeManager(t *testing.T, opts Options) (*Manager, *fakeTransport, *core.ChanSink) {
	t.Helper()
	fake := &fakeTransport{}
	sink := core.NewChanSink(64)
	opts.Events = sink
	opts.NewTransport = func(*transport.Router, transport.Options) transport.Transport { return fake }
	m := NewManager(opts)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, fake, sink
}

func nextEvent(t *testing.T, sink *core.ChanSink) core.Event {
	t.Helper()
	select {
	case e := <-sink.C:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return core.Event{}
	}
}

func insertDelta(t *testing.T, client, text string) []byte {
	t.Helper()
	u, err := crdt.NewDoc(client).Insert(0, text)
	require.NoError(t, err)
	b, err := crdt.Encode(u)
	require.NoError(t, err)
	return b
}

func TestSessionLifecycle(t *testing.T) {
	m, fake, sink := newFakeManager(t, Options{})
	ctx := context.Background()

	info, alice, err := m.CreateSession(ctx, "Demo", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Demo", info.Name)
	require.Len(t, info.Participants, 1)
	assert.Equal(t, alice, info.Participants[0].ID)
	assert.True(t, m.ServerRunning())
	assert.Equal(t, 4455, m.ServerPort())

	created := nextEvent(t, sink)
	assert.Equal(t, core.EventSessionCreated, created.Type)
	assert.Equal(t, info.SessionID, created.SessionID)

	info, bob, err := m.JoinSession(ctx, info.SessionID, "Bob")
	require.NoError(t, err)
	assert.Len(t, info.Participants, 2)
	assert.NotEqual(t, alice, bob)
	joined := nextEvent(t, sink)
	assert.Equal(t, core.EventUserJoined, joined.Type)
	assert.Equal(t, bob, joined.UserID)

	removed, err := m.LeaveSession(ctx, info.SessionID, alice)
	require.NoError(t, err)
	assert.False(t, removed)
	s, err := m.Registry().Session(info.SessionID)
	require.NoError(t, err)
	assert.Len(t, s.Info().Participants, 1)
	left := nextEvent(t, sink)
	assert.Equal(t, core.EventUserLeft, left.Type)
	assert.False(t, left.SessionRemoved)

	removed, err = m.LeaveSession(ctx, info.SessionID, bob)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, m.ServerRunning())
	assert.Zero(t, m.Registry().Count())
	left = nextEvent(t, sink)
	assert.True(t, left.SessionRemoved)

	assert.Equal(t, []string{transport.KindUserJoined, transport.KindUserLeft, transport.KindUserLeft}, fake.kinds())
}

func TestServerStaysUpWhileOtherSessionsRemain(t *testing.T) {
	m, fake, _ := newFakeManager(t, Options{})
	ctx := context.Background()

	first, alice, err := m.CreateSession(ctx, "One", "Alice")
	require.NoError(t, err)
	_, _, err = m.CreateSession(ctx, "Two", "Bob")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.starts, "second session must reuse the running server")

	removed, err := m.LeaveSession(ctx, first.SessionID, alice)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.True(t, m.ServerRunning())
}

func TestServerStartFailure(t *testing.T) {
	m, fake, _ := newFakeManager(t, Options{})
	fake.startErr = errors.New("address in use")

	_, _, err := m.CreateSession(context.Background(), "Demo", "Alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrServerStart)
	assert.Zero(t, m.Registry().Count())
	assert.False(t, m.ServerRunning())
}

func TestLookupErrors(t *testing.T) {
	m, _, _ := newFakeManager(t, Options{})
	ctx := context.Background()

	_, _, err := m.JoinSession(ctx, "missing", "Bob")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	info, _, err := m.CreateSession(ctx, "Demo", "Alice")
	require.NoError(t, err)
	_, err = m.LeaveSession(ctx, info.SessionID, "nobody")
	assert.ErrorIs(t, err, core.ErrParticipantNotFound)
	err = m.BroadcastCursor(ctx, info.SessionID, "nobody", "main.go", 1, 1)
	assert.ErrorIs(t, err, core.ErrParticipantNotFound)
	_, err = m.SyncDocument(ctx, "missing", "main.go", nil)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestBroadcastCursorPublishes(t *testing.T) {
	m, fake, _ := newFakeManager(t, Options{})
	ctx := context.Background()
	info, alice, err := m.CreateSession(ctx, "Demo", "Alice")
	require.NoError(t, err)

	require.NoError(t, m.BroadcastCursor(ctx, info.SessionID, alice, "main.go", 4, 2))

	tracker, ok := m.Registry().Presence(info.SessionID)
	require.True(t, ok)
	assert.Equal(t, []string{alice}, tracker.UsersInFile("main.go"))

	fake.mu.Lock()
	last := fake.published[len(fake.published)-1]
	fake.mu.Unlock()
	require.Equal(t, transport.KindCursor, last.Kind)
	var p transport.CursorPayload
	require.NoError(t, json.Unmarshal(last.Payload, &p))
	assert.Equal(t, alice, p.UserID)
	assert.Equal(t, 4, p.Line)
	assert.NotZero(t, p.Timestamp)
}

func TestSyncDocumentDecodeIsolation(t *testing.T) {
	m, fake, _ := newFakeManager(t, Options{})
	ctx := context.Background()
	info, _, err := m.CreateSession(ctx, "Demo", "Alice")
	require.NoError(t, err)

	state, err := m.SyncDocument(ctx, info.SessionID, "f1", insertDelta(t, "alice", "hello"))
	require.NoError(t, err)
	require.NotEmpty(t, state)

	_, err = m.SyncDocument(ctx, info.SessionID, "f1", []byte{0xc1, 0x00})
	assert.ErrorIs(t, err, core.ErrDecode)

	after, err := m.SyncDocument(ctx, info.SessionID, "f1", nil)
	require.NoError(t, err)
	assert.Equal(t, state, after)

	docs, _ := m.Registry().DocumentStore(info.SessionID)
	assert.Equal(t, "hello", docs.Text("f1"))
	assert.Equal(t, []string{transport.KindDocumentUpdate}, fake.kinds(), "only the valid update is relayed")
}

func TestSyncDocumentConverges(t *testing.T) {
	m, _, _ := newFakeManager(t, Options{})
	ctx := context.Background()
	info, _, err := m.CreateSession(ctx, "Demo", "Alice")
	require.NoError(t, err)
	d1 := insertDelta(t, "alice", "abc")
	d2 := insertDelta(t, "bob", "xyz")

	_, err = m.SyncDocument(ctx, info.SessionID, "a", d1)
	require.NoError(t, err)
	first, err := m.SyncDocument(ctx, info.SessionID, "a", d2)
	require.NoError(t, err)

	_, err = m.SyncDocument(ctx, info.SessionID, "b", d2)
	require.NoError(t, err)
	_, err = m.SyncDocument(ctx, info.SessionID, "b", d1)
	require.NoError(t, err)
	second, err := m.SyncDocument(ctx, info.SessionID, "b", d1)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRemovedSessionIsFlushedAndResumable(t *testing.T) {
	store := memory.NewSnapshotStore()
	m, _, _ := newFakeManager(t, Options{Store: store})
	ctx := context.Background()

	info, alice, err := m.CreateSession(ctx, "Demo", "Alice")
	require.NoError(t, err)
	_, err = m.SyncDocument(ctx, info.SessionID, "main.go", insertDelta(t, "alice", "package main"))
	require.NoError(t, err)

	removed, err := m.LeaveSession(ctx, info.SessionID, alice)
	require.NoError(t, err)
	require.True(t, removed)

	snapshot, err := store.GetSnapshot(ctx, info.SessionID, "main.go")
	require.NoError(t, err)
	assert.NotEmpty(t, snapshot.State)

	resumed, _, err := m.ResumeSession(ctx, info.SessionID, "Demo again", "Alice")
	require.NoError(t, err)
	assert.Equal(t, info.SessionID, resumed.SessionID)
	docs, ok := m.Registry().DocumentStore(info.SessionID)
	require.True(t, ok)
	assert.Equal(t, "package main", docs.Text("main.go"))
}

func TestResumeRejectsLiveOrInvalidIDs(t *testing.T) {
	m, _, _ := newFakeManager(t, Options{Store: memory.NewSnapshotStore()})
	ctx := context.Background()
	info, _, err := m.CreateSession(ctx, "Demo", "Alice")
	require.NoError(t, err)

	_, _, err = m.ResumeSession(ctx, info.SessionID, "Demo", "Bob")
	assert.ErrorIs(t, err, core.ErrDuplicateSession)
	_, _, err = m.ResumeSession(ctx, "../etc", "Demo", "Bob")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestAutosaveWritesDirtyDocuments(t *testing.T) {
	store := memory.NewSnapshotStore()
	m, _, _ := newFakeManager(t, Options{Store: store, AutosaveInterval: 20 * time.Millisecond})
	ctx := context.Background()
	info, _, err := m.CreateSession(ctx, "Demo", "Alice")
	require.NoError(t, err)

	_, err = m.SyncDocument(ctx, info.SessionID, "f1", insertDelta(t, "alice", "x"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := store.GetSnapshot(ctx, info.SessionID, "f1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFlushWritesOnlyDirtyFiles(t *testing.T) {
	store := memory.NewSnapshotStore()
	m, _, _ := newFakeManager(t, Options{Store: store})
	ctx := context.Background()
	info, _, err := m.CreateSession(ctx, "Demo", "Alice")
	require.NoError(t, err)

	_, err = m.SyncDocument(ctx, info.SessionID, "f1", insertDelta(t, "alice", "x"))
	require.NoError(t, err)
	_, err = m.SyncDocument(ctx, info.SessionID, "f2", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, m.Flush(ctx))
	assert.Zero(t, m.Flush(ctx))
	_, err = store.GetSnapshot(ctx, info.SessionID, "f2")
	assert.ErrorIs(t, err, core.ErrSnapshotNotFound)
}

func TestLastPeerDisconnectStopsServer(t *testing.T) {
	sink := core.NewChanSink(64)
	m := NewManager(Options{
		Transport: transport.Options{Host: "127.0.0.1"},
		Events:    sink,
	})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	ctx := context.Background()

	info, host, err := m.CreateSession(ctx, "Demo", "Host")
	require.NoError(t, err)
	port := m.ServerPort()
	require.NotZero(t, port)

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/ws", port), nil)
	require.NoError(t, err)
	defer conn.Close()
	join := transport.NewEnvelope(transport.KindJoin, "1", transport.JoinPayload{SessionID: info.SessionID, UserID: "bob", UserName: "Bob"})
	require.NoError(t, conn.WriteJSON(join))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var reply transport.Envelope
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, transport.KindJoined, reply.Kind)

	removed, err := m.LeaveSession(ctx, info.SessionID, host)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.True(t, m.ServerRunning())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return !m.ServerRunning() }, 5*time.Second, 20*time.Millisecond)
	assert.Zero(t, m.Registry().Count())

	var sawRemoval bool
	for !sawRemoval {
		e := nextEvent(t, sink)
		sawRemoval = e.Type == core.EventUserLeft && e.UserID == "bob" && e.SessionRemoved
	}
}

type closingPeer struct {
	id string

	mu     sync.Mutex
	closed bool
	frames []transport.Envelope
}

func (p *closingPeer) ID() string { return p.id }

func (p *closingPeer) Send(env transport.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, env)
	return nil
}

func (p *closingPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *closingPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func TestLeaveSessionClosesBoundConnection(t *testing.T) {
	m, _, _ := newFakeManager(t, Options{})
	ctx := context.Background()

	info, _, err := m.CreateSession(ctx, "Demo", "Alice")
	require.NoError(t, err)

	peer := &closingPeer{id: "bob-socket"}
	c := m.Router().Attach(peer, "")
	m.Router().Handle(c, transport.NewEnvelope(transport.KindJoin, "j", transport.JoinPayload{SessionID: info.SessionID, UserID: "bob"}))
	require.Equal(t, 1, m.Router().PeerCount(info.SessionID))

	removed, err := m.LeaveSession(ctx, info.SessionID, "bob")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.True(t, peer.isClosed())
	assert.Zero(t, m.Router().PeerCount(info.SessionID))

	m.Router().Handle(c, transport.NewEnvelope(transport.KindCursor, "", transport.CursorPayload{FileID: "f1"}))
	tracker, ok := m.Registry().Presence(info.SessionID)
	require.True(t, ok)
	_, ghost := tracker.Entry("bob")
	assert.False(t, ghost)
}

func TestChangesAfterRemovalAreNotTracked(t *testing.T) {
	m, _, _ := newFakeManager(t, Options{Store: memory.NewSnapshotStore()})
	ctx := context.Background()

	info, alice, err := m.CreateSession(ctx, "Demo", "Alice")
	require.NoError(t, err)
	_, err = m.SyncDocument(ctx, info.SessionID, "f1", insertDelta(t, "alice", "hi"))
	require.NoError(t, err)

	removed, err := m.LeaveSession(ctx, info.SessionID, alice)
	require.NoError(t, err)
	require.True(t, removed)

	m.DocumentChanged(info.SessionID, "f1")

	m.autosave.mu.Lock()
	_, tracked := m.autosave.sessions[info.SessionID]
	_, dirty := m.autosave.dirty[info.SessionID]
	m.autosave.mu.Unlock()
	assert.False(t, tracked)
	assert.False(t, dirty)
	assert.Zero(t, m.Flush(ctx))
}
