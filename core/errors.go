package core

import "errors"

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrDuplicateSession    = errors.New("session already exists")
	ErrDecode              = errors.New("malformed update")
	ErrServerStart         = errors.New("transport server failed to start")
	ErrTransportWrite      = errors.New("transport write failed")
	ErrSnapshotNotFound    = errors.New("snapshot not found")
	ErrInvalidArgument     = errors.New("invalid argument")
)

// Wire error codes sent to peers in error envelopes.
const (
	CodeNotJoined           = "NOT_JOINED"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeParticipantNotFound = "PARTICIPANT_NOT_FOUND"
	CodeDuplicateSession    = "DUPLICATE_SESSION"
	CodeDecodeError         = "DECODE_ERROR"
	CodeForbidden           = "FORBIDDEN"
	CodeUnsupportedKind     = "UNSUPPORTED_KIND"
	CodeInternal            = "INTERNAL"
)

// ErrorCode maps an error from the registry or stores to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrParticipantNotFound):
		return CodeParticipantNotFound
	case errors.Is(err, ErrDuplicateSession):
		return CodeDuplicateSession
	case errors.Is(err, ErrDecode):
		return CodeDecodeError
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}
