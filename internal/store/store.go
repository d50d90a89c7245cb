package store

import "errors"

var (
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when a unique constraint would be violated.
	ErrAlreadyExists = errors.New("store: already exists")
)

// MessageMeta is the part of a message needed for authorization decisions:
// which session it belongs to and who sent it.
type MessageMeta struct {
	ID        string
	SessionID string
	SenderID  string
}

// SessionPeer pairs a direct session with the other participant's user id.
type SessionPeer struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}
