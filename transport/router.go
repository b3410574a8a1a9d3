package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"collab-server/core"
	"collab-server/metrics"
	"collab-server/session"

	"github.com/sirupsen/logrus"
)

// Peer is one connected socket as seen by the Router. Send must not block;
// a peer that cannot take the frame returns an error wrapping
// core.ErrTransportWrite.
type Peer interface {
	ID() string
	Send(Envelope) error
	Close() error
}

// Hooks lets the owner of the Router react to changes peers make.
type Hooks interface {
	PeerJoined(sessionID, userID, userName string)
	PeerLeft(sessionID, userID string, sessionRemoved bool)
	DocumentChanged(sessionID, fileID string)
}

type noopHooks struct{}

func (noopHooks) PeerJoined(string, string, string) {}
func (noopHooks) PeerLeft(string, string, bool)     {}
func (noopHooks) DocumentChanged(string, string)    {}

// Conn is a peer plus the session and participant it joined as. A Conn
// starts unbound and is bound by its first successful join. A non-empty
// subject is the authenticated participant id the peer may join as.
type Conn struct {
	peer    Peer
	subject string

	mu        sync.Mutex
	sessionID string
	userID    string
}

func (c *Conn) ID() string { return c.peer.ID() }

func (c *Conn) binding() (sessionID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.userID
}

func (c *Conn) setBinding(sessionID, userID string) (prevSession, prevUser string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prevSession, prevUser = c.sessionID, c.userID
	c.sessionID, c.userID = sessionID, userID
	return prevSession, prevUser
}

// Router translates peer frames into registry, presence and document calls
// and fans results out to the other peers of the same session. Frames of one
// Conn must be handed to Handle sequentially; different Conns may call
// Handle concurrently.
type Router struct {
	registry *session.Registry
	hooks    Hooks
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	conns     map[*Conn]struct{}
	bySession map[string]map[*Conn]struct{}
}

func NewRouter(registry *session.Registry, hooks Hooks, m *metrics.Metrics) *Router {
	if hooks == nil {
		hooks = noopHooks{}
	}
	return &Router{
		registry:  registry,
		hooks:     hooks,
		metrics:   m,
		conns:     make(map[*Conn]struct{}),
		bySession: make(map[string]map[*Conn]struct{}),
	}
}

// Attach registers a freshly opened peer. subject is the participant id
// proven by the peer's credentials, or empty when the endpoint is open.
func (r *Router) Attach(p Peer, subject string) *Conn {
	c := &Conn{peer: p, subject: subject}
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
	r.metrics.ConnOpened()
	logrus.WithField("peer_id", p.ID()).Debug("Peer connected")
	return c
}

// Detach forgets a closed peer. A peer that had joined a session leaves it
// implicitly. Calling Detach more than once is a no-op.
func (r *Router) Detach(c *Conn) {
	r.mu.Lock()
	if _, ok := r.conns[c]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c)
	sessionID, userID := r.unbindLocked(c)
	r.mu.Unlock()
	r.metrics.ConnClosed()

	logrus.WithField("peer_id", c.ID()).Debug("Peer disconnected")
	if sessionID == "" {
		return
	}
	removed, err := r.leave(sessionID, userID)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"session_id": sessionID,
			"user_id":    userID,
		}).Debug("Implicit leave skipped")
		return
	}
	r.hooks.PeerLeft(sessionID, userID, removed)
}

// Unbind closes every connection bound as userID in sessionID without
// leaving the session again. It is used after the participant was removed
// through another path.
func (r *Router) Unbind(sessionID, userID string) int {
	r.mu.Lock()
	var stale []*Conn
	for c := range r.bySession[sessionID] {
		if _, bound := c.binding(); bound == userID {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		r.unbindLocked(c)
	}
	r.mu.Unlock()

	for _, c := range stale {
		logrus.WithFields(logrus.Fields{
			"session_id": sessionID,
			"user_id":    userID,
			"peer_id":    c.ID(),
		}).Info("Closing connection of removed participant")
		_ = c.peer.Close()
	}
	return len(stale)
}

// drop closes a peer whose writes failed and detaches it.
func (r *Router) drop(c *Conn) {
	r.metrics.BroadcastDropped()
	_ = c.peer.Close()
	r.Detach(c)
}

// Publish delivers env to every peer joined to sessionID.
func (r *Router) Publish(sessionID string, env Envelope) {
	r.broadcast(sessionID, env, nil)
}

// CloseAll closes every peer. Each backend detaches its peers as their read
// loops end.
func (r *Router) CloseAll() {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.peer.Close(); err != nil {
			logrus.WithError(err).WithField("peer_id", c.ID()).Debug("Closing peer failed")
		}
	}
}

// ConnCount returns the number of attached peers.
func (r *Router) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// PeerCount returns the number of peers joined to sessionID.
func (r *Router) PeerCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession[sessionID])
}

// Handle routes one inbound frame.
func (r *Router) Handle(c *Conn, env Envelope) {
	r.metrics.FrameReceived(env.Kind)
	logrus.WithFields(logrus.Fields{
		"peer_id": c.ID(),
		"kind":    env.Kind,
	}).Debug("Received frame")

	if !isInbound(env.Kind) {
		r.reject(c, env.RequestID, core.CodeUnsupportedKind, fmt.Sprintf("unsupported frame kind %q", env.Kind))
		return
	}
	if env.Kind == KindJoin {
		r.handleJoin(c, env)
		return
	}

	sessionID, userID := c.binding()
	if sessionID == "" {
		r.reject(c, env.RequestID, core.CodeNotJoined, "join a session first")
		return
	}

	switch env.Kind {
	case KindLeave:
		r.handleLeave(c, env, sessionID, userID)
	case KindCursor:
		r.handleCursor(c, env, sessionID, userID)
	case KindSelection:
		r.handleSelection(c, env, sessionID, userID)
	case KindDocumentUpdate:
		r.handleDocumentUpdate(c, env, sessionID, userID)
	case KindDocumentStateRequest:
		r.handleStateRequest(c, env, sessionID, userID)
	case KindAwarenessBatch:
		r.handleAwareness(c, env, sessionID, userID)
	}
}

func isInbound(kind string) bool {
	for _, k := range InboundKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func decodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(env.Payload, v)
}

func (r *Router) handleJoin(c *Conn, env Envelope) {
	var p JoinPayload
	if err := decodePayload(env, &p); err != nil || p.SessionID == "" || p.UserID == "" {
		r.reject(c, env.RequestID, core.CodeInvalidArgument, "join requires sessionId and userId")
		return
	}
	if sessionID, userID := c.binding(); sessionID != "" && (sessionID != p.SessionID || userID != p.UserID) {
		r.reject(c, env.RequestID, core.CodeInvalidArgument, fmt.Sprintf("connection already joined session %s", sessionID))
		return
	}
	if c.subject != "" && p.UserID != c.subject {
		r.reject(c, env.RequestID, core.CodeForbidden, "userId does not match the authenticated subject")
		return
	}
	if p.UserName == "" {
		p.UserName = p.UserID
	}

	info, err := r.registry.Join(p.SessionID, p.UserID, p.UserName)
	if err != nil {
		r.rejectErr(c, env.RequestID, err)
		return
	}

	stale, attached := r.bind(c, p.SessionID, p.UserID)
	if !attached {
		// The peer went away while joining.
		if removed, err := r.leave(p.SessionID, p.UserID); err == nil {
			r.hooks.PeerLeft(p.SessionID, p.UserID, removed)
		}
		return
	}
	if stale != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": p.SessionID,
			"user_id":    p.UserID,
			"peer_id":    stale.ID(),
		}).Info("Replacing stale connection for rejoining participant")
		_ = stale.peer.Close()
	}

	joined := JoinedPayload{Session: info, Presence: map[string]core.PresenceEntry{}, Files: []string{}}
	if tracker, ok := r.registry.Presence(p.SessionID); ok {
		joined.Presence = tracker.Encode()
	}
	if store, ok := r.registry.DocumentStore(p.SessionID); ok {
		joined.Files = store.Files()
	}
	r.send(c, NewEnvelope(KindJoined, env.RequestID, joined))

	r.broadcast(p.SessionID, NewEnvelope(KindUserJoined, "", MembershipPayload{
		SessionID: p.SessionID,
		UserID:    p.UserID,
		UserName:  p.UserName,
	}), c)
	r.hooks.PeerJoined(p.SessionID, p.UserID, p.UserName)
}

func (r *Router) handleLeave(c *Conn, env Envelope, sessionID, userID string) {
	var p LeavePayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.reject(c, env.RequestID, core.CodeInvalidArgument, "invalid leave payload")
			return
		}
	}
	if !r.inScope(c, env.RequestID, sessionID, userID, p.SessionID, p.UserID) {
		return
	}

	r.mu.Lock()
	r.unbindLocked(c)
	r.mu.Unlock()

	removed, err := r.leave(sessionID, userID)
	if err != nil {
		r.rejectErr(c, env.RequestID, err)
		return
	}
	r.send(c, NewEnvelope(KindLeft, env.RequestID, MembershipPayload{
		SessionID:      sessionID,
		UserID:         userID,
		SessionRemoved: removed,
	}))
	r.hooks.PeerLeft(sessionID, userID, removed)
}

func (r *Router) handleCursor(c *Conn, env Envelope, sessionID, userID string) {
	var p CursorPayload
	if err := decodePayload(env, &p); err != nil || p.FileID == "" {
		r.reject(c, env.RequestID, core.CodeInvalidArgument, "cursor requires fileId")
		return
	}
	if !r.inScope(c, env.RequestID, sessionID, userID, p.SessionID, p.UserID) {
		return
	}
	s, err := r.registry.Session(sessionID)
	if err != nil {
		r.rejectErr(c, env.RequestID, err)
		return
	}

	cursor := core.CursorPosition{FileID: p.FileID, Line: p.Line, Column: p.Column}
	var entry core.PresenceEntry
	applied := true
	err = s.AsParticipant(userID, func() error {
		if p.Timestamp > 0 {
			entry, applied = s.Presence().UpdateCursorAt(userID, cursor, p.Timestamp)
		} else {
			entry = s.Presence().UpdateCursor(userID, cursor)
		}
		return nil
	})
	if err != nil {
		r.rejectErr(c, env.RequestID, err)
		return
	}
	if applied {
		p.SessionID, p.UserID, p.Timestamp = sessionID, userID, entry.Timestamp
		r.broadcast(sessionID, NewEnvelope(KindCursor, "", p), c)
	}
	r.ack(c, env.RequestID)
}

func (r *Router) handleSelection(c *Conn, env Envelope, sessionID, userID string) {
	var p SelectionPayload
	if err := decodePayload(env, &p); err != nil || p.FileID == "" {
		r.reject(c, env.RequestID, core.CodeInvalidArgument, "selection requires fileId")
		return
	}
	if !r.inScope(c, env.RequestID, sessionID, userID, p.SessionID, p.UserID) {
		return
	}
	s, err := r.registry.Session(sessionID)
	if err != nil {
		r.rejectErr(c, env.RequestID, err)
		return
	}

	selection := core.SelectionRange{
		FileID:      p.FileID,
		StartLine:   p.StartLine,
		StartColumn: p.StartColumn,
		EndLine:     p.EndLine,
		EndColumn:   p.EndColumn,
	}
	var entry core.PresenceEntry
	applied := true
	err = s.AsParticipant(userID, func() error {
		if p.Timestamp > 0 {
			entry, applied = s.Presence().UpdateSelectionAt(userID, selection, p.Timestamp)
		} else {
			entry = s.Presence().UpdateSelection(userID, selection)
		}
		return nil
	})
	if err != nil {
		r.rejectErr(c, env.RequestID, err)
		return
	}
	if applied {
		p.SessionID, p.UserID, p.Timestamp = sessionID, userID, entry.Timestamp
		r.broadcast(sessionID, NewEnvelope(KindSelection, "", p), c)
	}
	r.ack(c, env.RequestID)
}

func (r *Router) handleDocumentUpdate(c *Conn, env Envelope, sessionID, userID string) {
	var p DocumentUpdatePayload
	if err := decodePayload(env, &p); err != nil || p.FileID == "" {
		r.reject(c, env.RequestID, core.CodeInvalidArgument, "document-update requires fileId and delta")
		return
	}
	if !r.inScope(c, env.RequestID, sessionID, userID, p.SessionID, "") {
		return
	}
	s, err := r.registry.Session(sessionID)
	if err != nil {
		r.rejectErr(c, env.RequestID, err)
		return
	}
	err = s.AsParticipant(userID, func() error {
		return s.Documents().ApplyUpdate(p.FileID, p.Delta)
	})
	if err != nil {
		r.rejectErr(c, env.RequestID, err)
		return
	}
	r.metrics.DocumentUpdate(len(p.Delta))

	p.SessionID, p.UserID = sessionID, userID
	r.broadcast(sessionID, NewEnvelope(KindDocumentUpdate, "", p), c)
	r.hooks.DocumentChanged(sessionID, p.FileID)
	r.ack(c, env.RequestID)
}

func (r *Router) handleStateRequest(c *Conn, env Envelope, sessionID, userID string) {
	var p DocumentStateRequestPayload
	if err := decodePayload(env, &p); err != nil || p.FileID == "" {
		r.reject(c, env.RequestID, core.CodeInvalidArgument, "document-state-request requires fileId")
		return
	}
	if !r.inScope(c, env.RequestID, sessionID, "", p.SessionID, "") {
		return
	}
	s, err := r.registry.Session(sessionID)
	if err != nil {
		r.rejectErr(c, env.RequestID, err)
		return
	}
	var state []byte
	err = s.AsParticipant(userID, func() error {
		var encErr error
		state, encErr = s.Documents().EncodeState(p.FileID)
		return encErr
	})
	if err != nil {
		r.rejectErr(c, env.RequestID, err)
		return
	}
	r.send(c, NewEnvelope(KindDocumentState, env.RequestID, DocumentStatePayload{
		SessionID: sessionID,
		FileID:    p.FileID,
		State:     state,
	}))
}

// handleAwareness merges relayed presence entries. Entries for users that
// are not in the roster are ignored.
func (r *Router) handleAwareness(c *Conn, env Envelope, sessionID, userID string) {
	var p AwarenessBatchPayload
	if err := decodePayload(env, &p); err != nil {
		r.reject(c, env.RequestID, core.CodeInvalidArgument, "invalid awareness-batch payload")
		return
	}
	if !r.inScope(c, env.RequestID, sessionID, "", p.SessionID, "") {
		return
	}
	s, err := r.registry.Session(sessionID)
	if err != nil {
		r.rejectErr(c, env.RequestID, err)
		return
	}

	applied, err := s.MergePresence(userID, p.Entries)
	if err != nil {
		r.rejectErr(c, env.RequestID, err)
		return
	}
	if len(applied) > 0 {
		out := AwarenessBatchPayload{SessionID: sessionID, Entries: make(map[string]core.PresenceEntry, len(applied))}
		for _, id := range applied {
			if e, ok := s.Presence().Entry(id); ok {
				out.Entries[id] = e
			}
		}
		r.broadcast(sessionID, NewEnvelope(KindAwarenessBatch, "", out), c)
	}
	r.ack(c, env.RequestID)
}

// inScope rejects frames that name a session or user other than the one the
// connection joined as. Empty names default to the binding.
func (r *Router) inScope(c *Conn, requestID, sessionID, userID, wantSession, wantUser string) bool {
	if (wantSession != "" && wantSession != sessionID) || (wantUser != "" && userID != "" && wantUser != userID) {
		r.reject(c, requestID, core.CodeForbidden, "frame does not match the joined session or participant")
		return false
	}
	return true
}

// leave removes the participant and tells the rest of the session.
func (r *Router) leave(sessionID, userID string) (bool, error) {
	removed, err := r.registry.Leave(sessionID, userID)
	if err != nil {
		return false, err
	}
	r.broadcast(sessionID, NewEnvelope(KindUserLeft, "", MembershipPayload{
		SessionID:      sessionID,
		UserID:         userID,
		SessionRemoved: removed,
	}), nil)
	return removed, nil
}

// bind associates c with a session. Another connection already bound as the
// same participant is unbound and returned so the caller can close it.
func (r *Router) bind(c *Conn, sessionID, userID string) (stale *Conn, attached bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; !ok {
		return nil, false
	}
	peers, ok := r.bySession[sessionID]
	if !ok {
		peers = make(map[*Conn]struct{})
		r.bySession[sessionID] = peers
	}
	for other := range peers {
		if other == c {
			continue
		}
		if _, otherUser := other.binding(); otherUser == userID {
			delete(peers, other)
			other.setBinding("", "")
			stale = other
		}
	}
	peers[c] = struct{}{}
	c.setBinding(sessionID, userID)
	return stale, true
}

// unbindLocked clears c's binding. Callers hold r.mu.
func (r *Router) unbindLocked(c *Conn) (sessionID, userID string) {
	sessionID, userID = c.setBinding("", "")
	if sessionID == "" {
		return "", ""
	}
	if peers, ok := r.bySession[sessionID]; ok {
		delete(peers, c)
		if len(peers) == 0 {
			delete(r.bySession, sessionID)
		}
	}
	return sessionID, userID
}

// broadcast is best effort per peer: peers whose write fails are dropped
// after every other peer has been tried.
func (r *Router) broadcast(sessionID string, env Envelope, except *Conn) {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.bySession[sessionID]))
	for c := range r.bySession[sessionID] {
		if c != except {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	var failed []*Conn
	for _, c := range targets {
		if err := c.peer.Send(env); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"session_id": sessionID,
				"peer_id":    c.ID(),
				"kind":       env.Kind,
			}).Warn("Dropping peer after failed write")
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		r.drop(c)
	}
}

func (r *Router) send(c *Conn, env Envelope) {
	if err := c.peer.Send(env); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"peer_id": c.ID(),
			"kind":    env.Kind,
		}).Warn("Dropping peer after failed reply")
		r.drop(c)
	}
}

func (r *Router) ack(c *Conn, requestID string) {
	if requestID == "" {
		return
	}
	r.send(c, NewEnvelope(KindAck, requestID, AckPayload{Status: "ok"}))
}

func (r *Router) reject(c *Conn, requestID, code, message string) {
	r.metrics.FrameRejected(code)
	logrus.WithFields(logrus.Fields{
		"peer_id": c.ID(),
		"code":    code,
	}).Warn(message)
	r.send(c, errorEnvelope(requestID, code, message))
}

func (r *Router) rejectErr(c *Conn, requestID string, err error) {
	r.reject(c, requestID, core.ErrorCode(err), err.Error())
}
