package transport

import (
	"encoding/json"

	"collab-server/core"

	"github.com/sirupsen/logrus"
)

// Inbound frame kinds.
const (
	KindJoin                 = "join"
	KindLeave                = "leave"
	KindCursor               = "cursor"
	KindSelection            = "selection"
	KindDocumentUpdate       = "document-update"
	KindDocumentStateRequest = "document-state-request"
	KindAwarenessBatch       = "awareness-batch"
)

// Outbound-only frame kinds.
const (
	KindJoined        = "joined"
	KindLeft          = "left"
	KindUserJoined    = "user-joined"
	KindUserLeft      = "user-left"
	KindDocumentState = "document-state"
	KindAck           = "ack"
	KindError         = "error"
)

// InboundKinds lists every kind a peer may send.
var InboundKinds = []string{
	KindJoin,
	KindLeave,
	KindCursor,
	KindSelection,
	KindDocumentUpdate,
	KindDocumentStateRequest,
	KindAwarenessBatch,
}

// Envelope is one protocol frame.
type Envelope struct {
	Kind      string          `json:"kind"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type (
	JoinPayload struct {
		SessionID string `json:"sessionId"`
		UserID    string `json:"userId"`
		UserName  string `json:"userName"`
	}

	LeavePayload struct {
		SessionID string `json:"sessionId"`
		UserID    string `json:"userId"`
	}

	CursorPayload struct {
		SessionID string `json:"sessionId"`
		UserID    string `json:"userId"`
		FileID    string `json:"fileId"`
		Line      int    `json:"line"`
		Column    int    `json:"column"`
		Timestamp int64  `json:"timestamp,omitempty"`
	}

	SelectionPayload struct {
		SessionID   string `json:"sessionId"`
		UserID      string `json:"userId"`
		FileID      string `json:"fileId"`
		StartLine   int    `json:"startLine"`
		StartColumn int    `json:"startColumn"`
		EndLine     int    `json:"endLine"`
		EndColumn   int    `json:"endColumn"`
		Timestamp   int64  `json:"timestamp,omitempty"`
	}

	// DocumentUpdatePayload carries a CRDT delta; Delta is base64 in JSON.
	DocumentUpdatePayload struct {
		SessionID string `json:"sessionId"`
		FileID    string `json:"fileId"`
		UserID    string `json:"userId,omitempty"`
		Delta     []byte `json:"delta"`
	}

	DocumentStateRequestPayload struct {
		SessionID string `json:"sessionId"`
		FileID    string `json:"fileId"`
	}

	DocumentStatePayload struct {
		SessionID string `json:"sessionId"`
		FileID    string `json:"fileId"`
		State     []byte `json:"state"`
	}

	AwarenessBatchPayload struct {
		SessionID string                        `json:"sessionId"`
		Entries   map[string]core.PresenceEntry `json:"entries"`
	}

	// JoinedPayload answers a join with everything a new peer needs to
	// render the session.
	JoinedPayload struct {
		Session  core.SessionInfo              `json:"session"`
		Presence map[string]core.PresenceEntry `json:"presence"`
		Files    []string                      `json:"files"`
	}

	MembershipPayload struct {
		SessionID      string `json:"sessionId"`
		UserID         string `json:"userId"`
		UserName       string `json:"userName,omitempty"`
		SessionRemoved bool   `json:"sessionRemoved,omitempty"`
	}

	AckPayload struct {
		Status string `json:"status"`
	}

	ErrorPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)

// NewEnvelope marshals payload into an envelope of the given kind.
func NewEnvelope(kind, requestID string, payload any) Envelope {
	return Envelope{Kind: kind, RequestID: requestID, Payload: mustJSON(payload)}
}

func errorEnvelope(requestID, code, message string) Envelope {
	return NewEnvelope(KindError, requestID, ErrorPayload{Code: code, Message: message})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal frame payload")
		return nil
	}
	return b
}
