package teamchat

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error envelope returned by the chat backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic backend response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messages
// ============================================================================

// Status is the delivery state of a message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Message is a single chat message in a conversation.
//
// ID is either the server-assigned id or a temporary client id of the form
// "temp-<ulid>" while the message is pending.
type Message struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversationId"`
	AuthorID          string    `json:"authorId"`
	AuthorDisplayName string    `json:"authorDisplayName"`
	Body              string    `json:"body"`
	CreatedAt         time.Time `json:"createdAt"`
	Status            Status    `json:"status,omitempty"`
}

// IsPending reports whether the message is still awaiting confirmation.
func (m Message) IsPending() bool { return m.Status == StatusPending }

// Draft is the payload for creating a message on the backend.
type Draft struct {
	ConversationID    string `json:"conversationId"`
	AuthorID          string `json:"authorId"`
	AuthorDisplayName string `json:"authorDisplayName"`
	Body              string `json:"body"`
	// IdempotencyKey is sent as a header, not in the body.
	IdempotencyKey string `json:"-"`
}

// ============================================================================
// Users & Roster
// ============================================================================

// User is the authenticated user of a session.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Member is one entry of a conversation's membership roster.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// ============================================================================
// Events
// ============================================================================

// EventType identifies what happened to a message on the backend.
type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventMessageUpdated EventType = "message.updated"
	EventMessageDeleted EventType = "message.deleted"
)

// Event is one entry of the backend's broad live event stream.
type Event struct {
	Type    EventType `json:"type"`
	Message Message   `json:"message"`
}

// Envelope is the wire format of every live event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// decodeEvent turns an envelope into an Event. Envelopes that do not carry a
// message event (auth acks, pongs, presence) return false.
func decodeEvent(env Envelope) (Event, bool) {
	switch EventType(env.Type) {
	case EventMessageCreated, EventMessageUpdated, EventMessageDeleted:
	default:
		return Event{}, false
	}
	var msg Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.ID == "" {
		return Event{}, false
	}
	return Event{Type: EventType(env.Type), Message: msg}, true
}
