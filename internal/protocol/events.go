// Package protocol defines the websocket event catalog and its JSON codec.
//
// Every frame is a text message holding one envelope:
//
//	{"event": "project-message", "data": {...}}
//
// Inbound frames decode into the typed events below. Outbound payloads are
// encoded once into a Frame and then fanned out unchanged.
package protocol

import (
	"regexp"
	"time"
)

// Client to server events.
const (
	EventJoinProject    = "join-project"
	EventLeaveProject   = "leave-project"
	EventProjectMessage = "project-message"
	EventTyping         = "typing"
	EventAIMessage      = "ai-message"
)

// Server to client events. project-message and ai-message are shared with
// the inbound catalog.
const (
	EventUserOnline        = "user-online"
	EventUserOffline       = "user-offline"
	EventUserJoinedProject = "user-joined-project"
	EventUserLeftProject   = "user-left-project"
	EventUserTyping        = "user-typing"
	EventError             = "error"
)

const maxRoomIDLen = 64

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateRoomID reports whether id names a room. Room ids are project ids:
// 1-64 characters of letters, digits, hyphen or underscore.
func ValidateRoomID(id string) error {
	if id == "" {
		return &ValidationError{Field: "projectId", Reason: "is required"}
	}
	if len(id) > maxRoomIDLen || !roomIDPattern.MatchString(id) {
		return &ValidationError{Field: "projectId", Reason: "is malformed"}
	}
	return nil
}

// Sender identifies who authored a chat or AI message.
type Sender struct {
	ID       string `json:"_id"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
}

// AISender is the fixed identity attached to assistant replies.
var AISender = Sender{ID: "ai", Email: "ai@system.com", Username: "AI Assistant"}

// Timestamp marshals like a JavaScript Date: UTC with millisecond precision.
type Timestamp time.Time

const timestampLayout = "2006-01-02T15:04:05.000Z"

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format(timestampLayout) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	parsed, err := time.Parse(`"`+time.RFC3339Nano+`"`, string(b))
	if err != nil {
		return err
	}
	*t = Timestamp(parsed)
	return nil
}

// Time returns the wrapped time.
func (t Timestamp) Time() time.Time { return time.Time(t) }

// UserPresence is the payload of user-online and user-offline.
type UserPresence struct {
	UserID string `json:"userId"`
}

// UserRoom is the payload of user-joined-project and user-left-project.
type UserRoom struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	ProjectID string `json:"projectId"`
}

// UserTyping is the payload of user-typing.
type UserTyping struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	ProjectID string `json:"projectId"`
	IsTyping  bool   `json:"isTyping"`
}

// ChatMessage is the outbound project-message payload.
type ChatMessage struct {
	Message   string    `json:"message"`
	Sender    Sender    `json:"sender"`
	ProjectID string    `json:"projectId"`
	Timestamp Timestamp `json:"timestamp"`
}

// AIMessage is the outbound ai-message payload. Message always carries the
// generated text exactly as the provider returned it. Reply is set only
// when that text parsed as a structured reply.
type AIMessage struct {
	Message   string           `json:"message"`
	Sender    Sender           `json:"sender"`
	ProjectID string           `json:"projectId"`
	Timestamp Timestamp        `json:"timestamp"`
	Reply     *StructuredReply `json:"reply,omitempty"`
}

// StructuredReply is the parsed form of an AI reply that carried a file tree.
type StructuredReply struct {
	Version  int    `json:"version"`
	Text     string `json:"text"`
	FileTree any    `json:"fileTree,omitempty"`
}

// ErrorPayload is the payload of a scoped error. It only ever reaches the
// connection that caused it.
type ErrorPayload struct {
	Message   string `json:"message"`
	Event     string `json:"event,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
}
