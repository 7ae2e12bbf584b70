package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/collabd/internal/protocol"
	"github.com/fyrsmithlabs/collabd/pkg/auth"
)

type fakeMember struct {
	id        string
	principal auth.Principal

	mu     sync.Mutex
	frames []protocol.Frame
	refuse bool
}

func newMember(id, user string) *fakeMember {
	return &fakeMember{id: id, principal: auth.Principal{ID: user, Email: user + "@example.com", Username: user}}
}

func (m *fakeMember) ID() string                { return m.id }
func (m *fakeMember) Principal() auth.Principal { return m.principal }

func (m *fakeMember) Send(f protocol.Frame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refuse {
		return false
	}
	m.frames = append(m.frames, f)
	return true
}

func (m *fakeMember) events(t *testing.T) []protocol.Envelope {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(m.frames))
	for _, f := range m.frames {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env)
	}
	return out
}

func TestManager_JoinNotifiesOthers(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	alice := newMember("c-1", "alice")
	bob := newMember("c-2", "bob")

	require.NoError(t, m.Join(ctx, alice, "p1"))
	require.NoError(t, m.Join(ctx, bob, "p1"))

	assert.Empty(t, bob.events(t), "joiner is not told about itself")

	got := alice.events(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.EventUserJoinedProject, got[0].Event)
	assert.JSONEq(t, `{"userId":"bob","email":"bob@example.com","projectId":"p1"}`, string(got[0].Data))

	assert.Equal(t, 2, m.Size("p1"))
	assert.True(t, m.IsMember("p1", "c-2"))
}

func TestManager_JoinTwiceIsNoop(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	alice := newMember("c-1", "alice")
	bob := newMember("c-2", "bob")

	require.NoError(t, m.Join(ctx, alice, "p1"))
	require.NoError(t, m.Join(ctx, bob, "p1"))
	require.NoError(t, m.Join(ctx, bob, "p1"))

	assert.Len(t, alice.events(t), 1)
	assert.Equal(t, 2, m.Size("p1"))
}

func TestManager_JoinRejectsMalformedRoom(t *testing.T) {
	m := NewManager(nil, nil)
	alice := newMember("c-1", "alice")

	for _, id := range []string{"", "has space", "../etc", "p1;drop", string(make([]byte, 65))} {
		t.Run(fmt.Sprintf("%q", id), func(t *testing.T) {
			err := m.Join(context.Background(), alice, id)
			var verr *protocol.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, "projectId", verr.Field)
		})
	}
	assert.Zero(t, m.Count())
	assert.Empty(t, m.RoomsOf("c-1"))
}

func TestManager_LeaveNotifiesRemaining(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	alice := newMember("c-1", "alice")
	bob := newMember("c-2", "bob")
	require.NoError(t, m.Join(ctx, alice, "p1"))
	require.NoError(t, m.Join(ctx, bob, "p1"))

	m.Leave(ctx, bob, "p1")

	got := alice.events(t)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.EventUserLeftProject, got[1].Event)
	assert.JSONEq(t, `{"userId":"bob","email":"bob@example.com","projectId":"p1"}`, string(got[1].Data))
	assert.False(t, m.IsMember("p1", "c-2"))
	assert.Empty(t, bob.events(t))
}

func TestManager_LeaveIsIdempotent(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	alice := newMember("c-1", "alice")
	bob := newMember("c-2", "bob")
	require.NoError(t, m.Join(ctx, alice, "p1"))

	// Never joined, malformed, and repeated leaves are all silent.
	m.Leave(ctx, bob, "p1")
	m.Leave(ctx, bob, "not valid!")
	m.Leave(ctx, alice, "p2")

	assert.Empty(t, alice.events(t))
	assert.Equal(t, 1, m.Size("p1"))

	m.Leave(ctx, alice, "p1")
	m.Leave(ctx, alice, "p1")
	assert.Zero(t, m.Count(), "empty rooms are dropped")
}

func TestManager_Broadcast(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	alice := newMember("c-1", "alice")
	bob := newMember("c-2", "bob")
	carol := newMember("c-3", "carol")
	require.NoError(t, m.Join(ctx, alice, "p1"))
	require.NoError(t, m.Join(ctx, bob, "p1"))
	require.NoError(t, m.Join(ctx, carol, "p2"))
	alice.frames, bob.frames = nil, nil

	frame, err := protocol.Encode(protocol.EventProjectMessage, map[string]string{"message": "hi"})
	require.NoError(t, err)

	t.Run("everyone in room", func(t *testing.T) {
		assert.Equal(t, 2, m.Broadcast("p1", frame, ""))
		assert.Len(t, alice.events(t), 1)
		assert.Len(t, bob.events(t), 1)
		assert.Empty(t, carol.events(t), "other rooms see nothing")
	})

	t.Run("excluding sender", func(t *testing.T) {
		assert.Equal(t, 1, m.Broadcast("p1", frame, "c-1"))
		assert.Len(t, alice.events(t), 1)
		assert.Len(t, bob.events(t), 2)
	})

	t.Run("refused sends are not counted", func(t *testing.T) {
		bob.mu.Lock()
		bob.refuse = true
		bob.mu.Unlock()
		assert.Equal(t, 1, m.Broadcast("p1", frame, ""))
	})

	t.Run("unknown room", func(t *testing.T) {
		assert.Zero(t, m.Broadcast("nobody-here", frame, ""))
	})
}

func TestManager_LeaveAllIsSilent(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	alice := newMember("c-1", "alice")
	bob := newMember("c-2", "bob")
	require.NoError(t, m.Join(ctx, alice, "p1"))
	require.NoError(t, m.Join(ctx, alice, "p2"))
	require.NoError(t, m.Join(ctx, bob, "p1"))
	bob.frames = nil

	left := m.LeaveAll(alice)

	assert.Equal(t, []string{"p1", "p2"}, left)
	assert.Empty(t, bob.events(t))
	assert.Empty(t, m.RoomsOf("c-1"))
	assert.False(t, m.IsMember("p1", "c-1"))
	assert.Equal(t, 1, m.Count())
	assert.Empty(t, m.LeaveAll(alice))
}

func TestManager_ConcurrentJoinLeave(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			member := newMember(fmt.Sprintf("c-%d", i), fmt.Sprintf("u-%d", i))
			room := fmt.Sprintf("p%d", i%5)
			assert.NoError(t, m.Join(ctx, member, room))
			m.Broadcast(room, protocol.Frame(`{"event":"x"}`), member.ID())
			m.Leave(ctx, member, room)
		}(i)
	}
	wg.Wait()

	assert.Zero(t, m.Count())
}
