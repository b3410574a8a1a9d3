package core

import "github.com/sirupsen/logrus"

type EventType string

const (
	EventSessionCreated EventType = "session-created"
	EventUserJoined     EventType = "user-joined"
	EventUserLeft       EventType = "user-left"
)

// Event is emitted toward the UI bridge.
type Event struct {
	Type           EventType    `json:"type"`
	SessionID      string       `json:"sessionId"`
	UserID         string       `json:"userId,omitempty"`
	UserName       string       `json:"userName,omitempty"`
	SessionRemoved bool         `json:"sessionRemoved,omitempty"`
	Session        *SessionInfo `json:"session,omitempty"`
}

type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(e Event) { f(e) }

// LogSink writes every event to logrus.
type LogSink struct{}

func (LogSink) Emit(e Event) {
	logrus.WithFields(logrus.Fields{
		"event":           e.Type,
		"session_id":      e.SessionID,
		"user_id":         e.UserID,
		"session_removed": e.SessionRemoved,
	}).Info("Collaboration event")
}

// ChanSink forwards events to a buffered channel and drops them when the
// channel is full so emitters never block.
type ChanSink struct {
	C chan Event
}

func NewChanSink(size int) *ChanSink {
	return &ChanSink{C: make(chan Event, size)}
}

func (s *ChanSink) Emit(e Event) {
	select {
	case s.C <- e:
	default:
		logrus.WithField("event", e.Type).Warn("Event channel full, dropping event")
	}
}
