// Package session owns collaboration sessions: their participant rosters,
// document stores and presence trackers.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"collab-server/core"
	"collab-server/document"
	"collab-server/presence"

	"github.com/sirupsen/logrus"
)

// Session is one collaboration room.
type Session struct {
	ID        string
	Name      string
	CreatedAt time.Time

	mu           sync.RWMutex
	participants []core.Participant

	documents *document.Store
	presence  *presence.Tracker
}

func newSession(id, name string) *Session {
	return &Session{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		documents: document.New(id),
		presence:  presence.NewTracker(),
	}
}

func (s *Session) Documents() *document.Store { return s.documents }

func (s *Session) Presence() *presence.Tracker { return s.presence }

// Info returns a snapshot safe to hand out.
func (s *Session) Info() core.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	participants := make([]core.Participant, len(s.participants))
	copy(participants, s.participants)
	return core.SessionInfo{
		SessionID:    s.ID,
		Name:         s.Name,
		Participants: participants,
		CreatedAt:    s.CreatedAt,
	}
}

func (s *Session) HasParticipant(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexOf(userID) >= 0
}

func (s *Session) indexOf(userID string) int {
	for i, p := range s.participants {
		if p.ID == userID {
			return i
		}
	}
	return -1
}

// addParticipant inserts or refreshes userID; a rejoin replaces the stale
// entry in place instead of appending a duplicate.
func (s *Session) addParticipant(userID, userName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := core.Participant{ID: userID, Name: userName, JoinedAt: time.Now().UTC()}
	if i := s.indexOf(userID); i >= 0 {
		s.participants[i] = p
		return
	}
	s.participants = append(s.participants, p)
}

// removeParticipant reports whether userID was present and whether the
// roster is now empty. The participant's presence entry goes with it.
func (s *Session) removeParticipant(userID string) (found, empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(userID)
	if i < 0 {
		return false, len(s.participants) == 0
	}
	s.participants = append(s.participants[:i], s.participants[i+1:]...)
	s.presence.RemoveUser(userID)
	return true, len(s.participants) == 0
}

// AsParticipant runs fn while userID is held on the roster, so a concurrent
// leave cannot slip in between the membership check and fn. fn must not
// call back into the Session's roster methods.
func (s *Session) AsParticipant(userID string, fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.indexOf(userID) < 0 {
		return fmt.Errorf("%w: %s in session %s", core.ErrParticipantNotFound, userID, s.ID)
	}
	return fn()
}

// MergePresence applies remote presence entries sent by senderID. Entries
// for users outside the roster are dropped. It returns the accepted user
// ids, sorted.
func (s *Session) MergePresence(senderID string, entries map[string]core.PresenceEntry) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.indexOf(senderID) < 0 {
		return nil, fmt.Errorf("%w: %s in session %s", core.ErrParticipantNotFound, senderID, s.ID)
	}
	members := make(map[string]core.PresenceEntry, len(entries))
	for userID, entry := range entries {
		if s.indexOf(userID) >= 0 {
			members[userID] = entry
		}
	}
	return s.presence.ApplyUpdate(members), nil
}

// Registry holds all live sessions. Roster mutations take the registry's
// exclusive lock so a session is removed in the same critical section that
// empties it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a new session with the creator as first participant.
func (r *Registry) Create(sessionID, name, creatorID, creatorName string) (core.SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionID]; exists {
		return core.SessionInfo{}, fmt.Errorf("%w: %s", core.ErrDuplicateSession, sessionID)
	}
	s := newSession(sessionID, name)
	s.addParticipant(creatorID, creatorName)
	r.sessions[sessionID] = s

	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"name":       name,
		"user_id":    creatorID,
	}).Info("Session created")
	return s.Info(), nil
}

// Join adds userID to the session. Rejoining with the same id is idempotent.
func (r *Registry) Join(sessionID, userID, userName string) (core.SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return core.SessionInfo{}, fmt.Errorf("%w: %s", core.ErrSessionNotFound, sessionID)
	}
	s.addParticipant(userID, userName)

	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    userID,
	}).Info("Participant joined session")
	return s.Info(), nil
}

// Leave removes userID and reports whether the session was emptied and
// therefore removed.
func (r *Registry) Leave(sessionID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("%w: %s", core.ErrSessionNotFound, sessionID)
	}
	found, empty := s.removeParticipant(userID)
	if !found {
		return false, fmt.Errorf("%w: %s in session %s", core.ErrParticipantNotFound, userID, sessionID)
	}

	log := logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    userID,
	})
	if empty {
		delete(r.sessions, sessionID)
		log.Info("Last participant left, session removed")
		return true, nil
	}
	log.Info("Participant left session")
	return false, nil
}

// UpdateCursor records a local cursor move for a participant.
func (r *Registry) UpdateCursor(sessionID, userID string, cursor core.CursorPosition) (core.PresenceEntry, error) {
	s, err := r.Session(sessionID)
	if err != nil {
		return core.PresenceEntry{}, err
	}
	var entry core.PresenceEntry
	err = s.AsParticipant(userID, func() error {
		entry = s.presence.UpdateCursor(userID, cursor)
		return nil
	})
	return entry, err
}

// Session looks up a live session.
func (r *Registry) Session(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// DocumentStore returns the session's document store, or false when the
// session does not exist.
func (r *Registry) DocumentStore(sessionID string) (*document.Store, bool) {
	s, err := r.Session(sessionID)
	if err != nil {
		return nil, false
	}
	return s.documents, true
}

func (r *Registry) Presence(sessionID string) (*presence.Tracker, bool) {
	s, err := r.Session(sessionID)
	if err != nil {
		return nil, false
	}
	return s.presence, true
}

func (r *Registry) Has(sessionID string) bool {
	_, err := r.Session(sessionID)
	return err == nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns snapshots of every session ordered by creation time, then id.
func (r *Registry) List() []core.SessionInfo {
	r.mu.RLock()
	infos := make([]core.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].SessionID < infos[j].SessionID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}
