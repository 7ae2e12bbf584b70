package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Inbound
	}{
		{
			name: "join with bare string",
			raw:  `{"event":"join-project","data":"p1"}`,
			want: JoinProject{ProjectID: "p1"},
		},
		{
			name: "join with object",
			raw:  `{"event":"join-project","data":{"projectId":"p1"}}`,
			want: JoinProject{ProjectID: "p1"},
		},
		{
			name: "leave",
			raw:  `{"event":"leave-project","data":"p2"}`,
			want: LeaveProject{ProjectID: "p2"},
		},
		{
			name: "project message",
			raw:  `{"event":"project-message","data":{"projectId":"p1","message":"hello"}}`,
			want: ProjectMessage{ProjectID: "p1", Message: "hello"},
		},
		{
			name: "typing",
			raw:  `{"event":"typing","data":{"projectId":"p1","isTyping":true}}`,
			want: Typing{ProjectID: "p1", IsTyping: true},
		},
		{
			name: "ai relay",
			raw:  `{"event":"ai-message","data":{"projectId":"p1","message":"done"}}`,
			want: AIRelay{ProjectID: "p1", Message: "done"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.EventName(), got.EventName())
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Decode([]byte(`{"data":"p1"}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Decode([]byte(`{"event":"delete-project","data":"p1"}`))
	var unknown *UnknownEventError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "delete-project", unknown.Event)

	_, err = Decode([]byte(`{"event":"project-message"}`))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	_, err = Decode([]byte(`{"event":"typing","data":{"projectId":1}}`))
	assert.True(t, errors.As(err, &verr))

	_, err = Decode([]byte(`{"event":"join-project","data":42}`))
	assert.True(t, errors.As(err, &verr))
}

func TestValidateRoomID(t *testing.T) {
	valid := []string{"p1", "65f1c2a9e4b0a1b2c3d4e5f6", "team_alpha-2"}
	for _, id := range valid {
		assert.NoError(t, ValidateRoomID(id), id)
	}

	invalid := []string{"", "has space", "../etc", "emoji😀", strings.Repeat("a", 65)}
	for _, id := range invalid {
		assert.Error(t, ValidateRoomID(id), id)
	}
}

func TestEncode_ChatMessageShape(t *testing.T) {
	ts := Timestamp(time.Date(2025, 3, 1, 12, 30, 45, 123456789, time.UTC))
	frame, err := Encode(EventProjectMessage, ChatMessage{
		Message:   "hello",
		Sender:    Sender{ID: "u1", Email: "a@x.io", Username: "alice"},
		ProjectID: "p1",
		Timestamp: ts,
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"event": "project-message",
		"data": {
			"message": "hello",
			"sender": {"_id": "u1", "email": "a@x.io", "username": "alice"},
			"projectId": "p1",
			"timestamp": "2025-03-01T12:30:45.123Z"
		}
	}`, string(frame))
}

func TestEncode_AIMessageOmitsReplyWhenPlain(t *testing.T) {
	frame, err := Encode(EventAIMessage, AIMessage{Message: "hi", Sender: AISender, ProjectID: "p1"})
	require.NoError(t, err)

	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.NotContains(t, env.Data, "reply")
	assert.Equal(t, map[string]any{"_id": "ai", "email": "ai@system.com", "username": "AI Assistant"}, env.Data["sender"])
}

func TestErrorFrame(t *testing.T) {
	assert.JSONEq(t,
		`{"event":"error","data":{"message":"projectId is malformed","event":"join-project","projectId":"bad id"}}`,
		string(ErrorFrame(EventJoinProject, "bad id", "projectId is malformed")))
}

func TestTimestamp_RoundTrip(t *testing.T) {
	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`"2025-03-01T12:30:45.123Z"`), &ts))
	assert.Equal(t, 123*time.Millisecond, time.Duration(ts.Time().Nanosecond()))
}
