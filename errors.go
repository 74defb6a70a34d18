package teamchat

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyBody      = errors.New("message body is empty")
	ErrBodyTooLong    = errors.New("message body exceeds maximum length")
	ErrDuplicateID    = errors.New("message id already present")
	ErrSessionNotOpen = errors.New("session is not open")
	ErrSessionClosed  = errors.New("session is closed")
	ErrSessionReused  = errors.New("session already opened; create a new session per conversation")
)

// ValidationError reports a message body rejected before any network call.
type ValidationError struct {
	Length int
	Max    int
	Err    error
}

func (e *ValidationError) Error() string {
	if errors.Is(e.Err, ErrBodyTooLong) {
		return fmt.Sprintf("invalid message: %v (%d > %d)", e.Err, e.Length, e.Max)
	}
	return "invalid message: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// SendFailure reports a create request the backend rejected. Message is the
// optimistic message that was removed, with Status set to failed.
type SendFailure struct {
	Message Message
	Err     error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send %s failed: %v", e.Message.ID, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }

// SubscriptionError reports a live channel that could not be established.
type SubscriptionError struct {
	ConversationID string
	Err            error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe to %s: %v", e.ConversationID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// HistoryLoadError reports a failed initial history fetch. The session stays
// open with an empty message list.
type HistoryLoadError struct {
	ConversationID string
	Err            error
}

func (e *HistoryLoadError) Error() string {
	return fmt.Sprintf("load history for %s: %v", e.ConversationID, e.Err)
}

func (e *HistoryLoadError) Unwrap() error { return e.Err }
