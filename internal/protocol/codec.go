package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedFrame is returned for frames that are not a JSON envelope.
var ErrMalformedFrame = errors.New("malformed frame")

// ValidationError describes an inbound payload that failed validation.
// Its message is safe to show to the client.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Reason
}

// UnknownEventError is returned for envelopes naming an event the server
// does not accept.
type UnknownEventError struct {
	Event string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown event %q", e.Event)
}

// Envelope is the outer shape of every frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame is an encoded envelope ready to be written to a socket.
type Frame []byte

// Encode wraps payload in an envelope for event.
func Encode(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	b, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return b, nil
}

// ErrorFrame encodes a scoped error. The payload types are fixed so it
// cannot fail.
func ErrorFrame(cause, projectID, message string) Frame {
	f, _ := Encode(EventError, ErrorPayload{Message: message, Event: cause, ProjectID: projectID})
	return f
}

// Inbound is a decoded client event.
type Inbound interface {
	EventName() string
	Room() string
}

// JoinProject asks to join a room.
type JoinProject struct {
	ProjectID string
}

// LeaveProject asks to leave a room.
type LeaveProject struct {
	ProjectID string
}

// ProjectMessage is a chat message for a room.
type ProjectMessage struct {
	ProjectID string `json:"projectId"`
	Message   string `json:"message"`
}

// Typing toggles the typing indicator in a room.
type Typing struct {
	ProjectID string `json:"projectId"`
	IsTyping  bool   `json:"isTyping"`
}

// AIRelay is a client-emitted ai-message relayed to a room verbatim.
type AIRelay struct {
	ProjectID string `json:"projectId"`
	Message   string `json:"message"`
}

func (JoinProject) EventName() string    { return EventJoinProject }
func (LeaveProject) EventName() string   { return EventLeaveProject }
func (ProjectMessage) EventName() string { return EventProjectMessage }
func (Typing) EventName() string         { return EventTyping }
func (AIRelay) EventName() string        { return EventAIMessage }

func (e JoinProject) Room() string    { return e.ProjectID }
func (e LeaveProject) Room() string   { return e.ProjectID }
func (e ProjectMessage) Room() string { return e.ProjectID }
func (e Typing) Room() string         { return e.ProjectID }
func (e AIRelay) Room() string        { return e.ProjectID }

// Decode parses one inbound frame. It checks shape only; room ids are
// validated by the component that acts on them.
func Decode(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		return nil, ErrMalformedFrame
	}

	switch env.Event {
	case EventJoinProject:
		id, err := decodeRoomRef(env.Data)
		if err != nil {
			return nil, err
		}
		return JoinProject{ProjectID: id}, nil
	case EventLeaveProject:
		id, err := decodeRoomRef(env.Data)
		if err != nil {
			return nil, err
		}
		return LeaveProject{ProjectID: id}, nil
	case EventProjectMessage:
		var m ProjectMessage
		if err := decodeObject(env.Data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case EventTyping:
		var m Typing
		if err := decodeObject(env.Data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case EventAIMessage:
		var m AIRelay
		if err := decodeObject(env.Data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, &UnknownEventError{Event: env.Event}
	}
}

// decodeRoomRef accepts a bare string ("p1") or an object ({"projectId":"p1"}).
func decodeRoomRef(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return strings.TrimSpace(id), nil
	}
	var obj struct {
		ProjectID string `json:"projectId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", &ValidationError{Field: "projectId", Reason: "must be a string"}
	}
	return strings.TrimSpace(obj.ProjectID), nil
}

func decodeObject(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return &ValidationError{Field: "data", Reason: "is required"}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &ValidationError{Field: "data", Reason: "is malformed"}
	}
	return nil
}
