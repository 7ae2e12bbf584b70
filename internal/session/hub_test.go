package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/collabd/internal/presence"
	"github.com/fyrsmithlabs/collabd/internal/protocol"
	"github.com/fyrsmithlabs/collabd/internal/rooms"
	"github.com/fyrsmithlabs/collabd/internal/router"
	"github.com/fyrsmithlabs/collabd/pkg/auth"
)

type echoAI struct{}

func (echoAI) Generate(_ context.Context, prompt string) (string, error) {
	return "answer to " + prompt, nil
}

type harness struct {
	hub      *Hub
	presence *presence.Registry
	rooms    *rooms.Manager
	server   *httptest.Server
}

func newHarness(t *testing.T, cfg Config, withRouter bool) *harness {
	t.Helper()
	h := &harness{
		presence: presence.New(nil),
		rooms:    rooms.NewManager(nil, nil),
	}
	var r *router.Router
	if withRouter {
		r = router.New(h.rooms, echoAI{})
	}
	h.hub = NewHub(cfg, h.presence, h.rooms, r)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		user := req.URL.Query().Get("user")
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		p := auth.Principal{ID: user, Email: user + "@example.com", Username: user}
		_ = h.hub.Serve(req.Context(), conn, p)
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.hub.Shutdown(ctx)
		h.server.Close()
	})
	return h
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) dial(t *testing.T, user string) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	c := &client{t: t, conn: conn}
	c.expect(protocol.EventUserOnline)
	return c
}

func (c *client) emit(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	frame, err := json.Marshal(protocol.Envelope{Event: event, Data: raw})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

func (c *client) next() protocol.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	var env protocol.Envelope
	require.NoError(c.t, json.Unmarshal(raw, &env))
	return env
}

// expect skips frames until one named event arrives.
func (c *client) expect(event string) protocol.Envelope {
	c.t.Helper()
	for {
		env := c.next()
		if env.Event == event {
			return env
		}
	}
}

func defaultConfig() Config {
	return Config{SendBuffer: 64, MaxMessageBytes: 16 * 1024}
}

func TestHub_HandshakeRegistersPresence(t *testing.T) {
	h := newHarness(t, defaultConfig(), true)

	alice := h.dial(t, "alice")
	_ = h.dial(t, "bob")

	online := alice.expect(protocol.EventUserOnline)
	assert.JSONEq(t, `{"userId":"bob"}`, string(online.Data))

	require.Eventually(t, func() bool { return h.presence.Online() == 2 }, 2*time.Second, 10*time.Millisecond)
	_, ok := h.presence.Lookup("alice")
	assert.True(t, ok)
	assert.Equal(t, 2, h.hub.Count())
}

func TestHub_MessagesStayInTheirRoom(t *testing.T) {
	h := newHarness(t, defaultConfig(), true)
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")

	alice.emit(protocol.EventJoinProject, "p1")
	bob.emit(protocol.EventJoinProject, map[string]string{"projectId": "p2"})
	require.Eventually(t, func() bool { return h.rooms.Size("p1") == 1 && h.rooms.Size("p2") == 1 },
		2*time.Second, 10*time.Millisecond)

	alice.emit(protocol.EventProjectMessage, protocol.ProjectMessage{ProjectID: "p1", Message: "for p1"})
	got := alice.expect(protocol.EventProjectMessage)
	assert.Contains(t, string(got.Data), `"for p1"`)

	// Anything routed to bob from p1 would be queued ahead of his own message.
	bob.emit(protocol.EventProjectMessage, protocol.ProjectMessage{ProjectID: "p2", Message: "for p2"})
	got = bob.expect(protocol.EventProjectMessage)
	assert.Contains(t, string(got.Data), `"for p2"`)
}

func TestHub_JoinNotifiesAndAIReplies(t *testing.T) {
	h := newHarness(t, defaultConfig(), true)
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")

	alice.emit(protocol.EventJoinProject, "p1")
	require.Eventually(t, func() bool { return h.rooms.Size("p1") == 1 }, 2*time.Second, 10*time.Millisecond)
	bob.emit(protocol.EventJoinProject, "p1")

	joined := alice.expect(protocol.EventUserJoinedProject)
	assert.JSONEq(t, `{"userId":"bob","email":"bob@example.com","projectId":"p1"}`, string(joined.Data))

	bob.emit(protocol.EventProjectMessage, protocol.ProjectMessage{ProjectID: "p1", Message: "@AI  summarize this"})

	for _, c := range []*client{alice, bob} {
		chat := c.expect(protocol.EventProjectMessage)
		assert.Contains(t, string(chat.Data), "@AI  summarize this")
		reply := c.expect(protocol.EventAIMessage)
		var payload protocol.AIMessage
		require.NoError(t, json.Unmarshal(reply.Data, &payload))
		assert.Equal(t, "answer to summarize this", payload.Message)
		assert.Equal(t, protocol.AISender, payload.Sender)
	}
}

func TestHub_DisconnectCleansUp(t *testing.T) {
	h := newHarness(t, defaultConfig(), true)
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")

	alice.emit(protocol.EventJoinProject, "p1")
	bob.emit(protocol.EventJoinProject, "p1")
	bob.emit(protocol.EventJoinProject, "p2")
	require.Eventually(t, func() bool { return h.rooms.Size("p1") == 2 && h.rooms.Size("p2") == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.conn.Close())

	offline := alice.expect(protocol.EventUserOffline)
	assert.JSONEq(t, `{"userId":"bob"}`, string(offline.Data))

	require.Eventually(t, func() bool { return h.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.rooms.Size("p1"))
	assert.Zero(t, h.rooms.Size("p2"))
	_, ok := h.presence.Lookup("bob")
	assert.False(t, ok)

	// The implicit leave is silent: the next frame alice sees is her own.
	alice.emit(protocol.EventProjectMessage, protocol.ProjectMessage{ProjectID: "p1", Message: "still here"})
	assert.Equal(t, protocol.EventProjectMessage, alice.next().Event)
}

func TestHub_ScopedErrors(t *testing.T) {
	h := newHarness(t, defaultConfig(), true)
	alice := h.dial(t, "alice")

	t.Run("invalid room", func(t *testing.T) {
		alice.emit(protocol.EventJoinProject, "not a room!")
		env := alice.expect(protocol.EventError)
		var payload protocol.ErrorPayload
		require.NoError(t, json.Unmarshal(env.Data, &payload))
		assert.Equal(t, protocol.EventJoinProject, payload.Event)
		assert.Contains(t, payload.Message, "projectId")
	})

	t.Run("unknown event", func(t *testing.T) {
		alice.emit("delete-everything", map[string]string{})
		env := alice.expect(protocol.EventError)
		assert.Contains(t, string(env.Data), "delete-everything")
	})

	t.Run("malformed frame", func(t *testing.T) {
		require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
		env := alice.expect(protocol.EventError)
		assert.Contains(t, string(env.Data), "malformed")
	})

	assert.Equal(t, 1, h.hub.Count(), "errors never end the session")
}

func TestHub_TypingExcludesSender(t *testing.T) {
	h := newHarness(t, defaultConfig(), true)
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	alice.emit(protocol.EventJoinProject, "p1")
	bob.emit(protocol.EventJoinProject, "p1")
	require.Eventually(t, func() bool { return h.rooms.Size("p1") == 2 }, 2*time.Second, 10*time.Millisecond)

	alice.emit(protocol.EventTyping, protocol.Typing{ProjectID: "p1", IsTyping: true})
	env := bob.expect(protocol.EventUserTyping)
	assert.JSONEq(t, `{"userId":"alice","email":"alice@example.com","projectId":"p1","isTyping":true}`, string(env.Data))

	alice.emit(protocol.EventProjectMessage, protocol.ProjectMessage{ProjectID: "p1", Message: "x"})
	for {
		env := alice.next()
		require.NotEqual(t, protocol.EventUserTyping, env.Event, "typist does not hear itself")
		if env.Event == protocol.EventProjectMessage {
			break
		}
	}
}

func TestHub_RateLimit(t *testing.T) {
	cfg := defaultConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.MessageBurst = 1
	h := newHarness(t, cfg, true)
	alice := h.dial(t, "alice")

	alice.emit(protocol.EventTyping, protocol.Typing{ProjectID: "p1"})
	alice.emit(protocol.EventTyping, protocol.Typing{ProjectID: "p1"})

	env := alice.expect(protocol.EventError)
	assert.Contains(t, string(env.Data), msgRateLimited)
}

func TestHub_RecoversFromHandlerPanic(t *testing.T) {
	// Without a router the chat handler dereferences nil.
	h := newHarness(t, defaultConfig(), false)
	alice := h.dial(t, "alice")

	alice.emit(protocol.EventProjectMessage, protocol.ProjectMessage{ProjectID: "p1", Message: "boom"})
	env := alice.expect(protocol.EventError)
	assert.Contains(t, string(env.Data), "internal error")

	alice.emit(protocol.EventJoinProject, "p1")
	require.Eventually(t, func() bool { return h.rooms.Size("p1") == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_Shutdown(t *testing.T) {
	h := newHarness(t, defaultConfig(), true)
	alice := h.dial(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.hub.Shutdown(ctx))

	assert.Zero(t, h.hub.Count())
	assert.Zero(t, h.presence.Online())

	require.NoError(t, alice.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var closeErr *websocket.CloseError
	for {
		_, _, err := alice.conn.ReadMessage()
		if err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}

func TestState_Transitions(t *testing.T) {
	assert.True(t, canTransition(StateConnecting, StateAuthenticated))
	assert.True(t, canTransition(StateAuthenticated, StateActive))
	assert.True(t, canTransition(StateActive, StateDisconnected))
	assert.False(t, canTransition(StateConnecting, StateActive))
	assert.False(t, canTransition(StateDisconnected, StateActive))
	assert.Equal(t, "active", StateActive.String())
}
