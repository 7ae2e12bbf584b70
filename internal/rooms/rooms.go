// Package rooms manages project-scoped channels: who has joined which room
// and fan-out to a room's members.
package rooms

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/collabd/internal/logging"
	"github.com/fyrsmithlabs/collabd/internal/metrics"
	"github.com/fyrsmithlabs/collabd/internal/protocol"
	"github.com/fyrsmithlabs/collabd/pkg/auth"
)

// Member is a connection that can join rooms.
type Member interface {
	ID() string
	Principal() auth.Principal
	Send(protocol.Frame) bool
}

// Manager holds room membership. All methods are safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Member   // room id -> connection id -> member
	byConn map[string]map[string]struct{} // connection id -> room ids

	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewManager returns an empty Manager. m may be nil.
func NewManager(logger *logging.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		rooms:   make(map[string]map[string]Member),
		byConn:  make(map[string]map[string]struct{}),
		metrics: m,
		logger:  logger.Named("rooms"),
	}
}

// Join adds member to roomID and tells the other members. Joining a room
// twice is a no-op. A malformed roomID returns a *protocol.ValidationError
// and changes nothing.
func (m *Manager) Join(ctx context.Context, member Member, roomID string) error {
	if err := protocol.ValidateRoomID(roomID); err != nil {
		return err
	}

	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok {
		room = make(map[string]Member)
		m.rooms[roomID] = room
	}
	_, already := room[member.ID()]
	room[member.ID()] = member
	joined, ok := m.byConn[member.ID()]
	if !ok {
		joined = make(map[string]struct{})
		m.byConn[member.ID()] = joined
	}
	joined[roomID] = struct{}{}
	active := len(m.rooms)
	m.mu.Unlock()

	if already {
		return nil
	}
	m.metrics.SetRoomsActive(active)

	p := member.Principal()
	n := m.broadcast(ctx, roomID, protocol.EventUserJoinedProject,
		protocol.UserRoom{UserID: p.ID, Email: p.Email, ProjectID: roomID}, member.ID())
	m.logger.Info(logging.WithRoomID(ctx, roomID), "joined room", zap.Int("notified", n))
	return nil
}

// Leave removes member from roomID and tells the remaining members. It is
// idempotent and never fails: leaving a room you are not in, or one with a
// malformed id, does nothing.
func (m *Manager) Leave(ctx context.Context, member Member, roomID string) {
	if !m.remove(member.ID(), roomID) {
		return
	}

	p := member.Principal()
	n := m.broadcast(ctx, roomID, protocol.EventUserLeftProject,
		protocol.UserRoom{UserID: p.ID, Email: p.Email, ProjectID: roomID}, member.ID())
	m.logger.Info(logging.WithRoomID(ctx, roomID), "left room", zap.Int("notified", n))
}

// LeaveAll drops every membership of member without notifying anyone.
// It returns the rooms that were left.
func (m *Manager) LeaveAll(member Member) []string {
	m.mu.Lock()
	joined := m.byConn[member.ID()]
	delete(m.byConn, member.ID())
	left := make([]string, 0, len(joined))
	for roomID := range joined {
		m.removeLocked(member.ID(), roomID)
		left = append(left, roomID)
	}
	active := len(m.rooms)
	m.mu.Unlock()

	m.metrics.SetRoomsActive(active)
	sort.Strings(left)
	return left
}

// Broadcast sends frame to every member of roomID except the connection
// exceptID ("" excludes nobody). It returns how many members accepted it.
func (m *Manager) Broadcast(roomID string, frame protocol.Frame, exceptID string) int {
	m.mu.RLock()
	room := m.rooms[roomID]
	targets := make([]Member, 0, len(room))
	for id, member := range room {
		if id != exceptID {
			targets = append(targets, member)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, member := range targets {
		if member.Send(frame) {
			delivered++
		}
	}
	return delivered
}

func (m *Manager) broadcast(ctx context.Context, roomID, event string, payload any, exceptID string) int {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		m.logger.Error(ctx, "encode room event", zap.String("event", event), zap.Error(err))
		return 0
	}
	return m.Broadcast(roomID, frame, exceptID)
}

func (m *Manager) remove(connID, roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	joined, ok := m.byConn[connID]
	if !ok {
		return false
	}
	if _, ok := joined[roomID]; !ok {
		return false
	}
	delete(joined, roomID)
	if len(joined) == 0 {
		delete(m.byConn, connID)
	}
	m.removeLocked(connID, roomID)
	m.metrics.SetRoomsActive(len(m.rooms))
	return true
}

func (m *Manager) removeLocked(connID, roomID string) {
	room, ok := m.rooms[roomID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(m.rooms, roomID)
	}
}

// IsMember reports whether connID has joined roomID.
func (m *Manager) IsMember(roomID, connID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID][connID]
	return ok
}

// Size returns the number of members in roomID.
func (m *Manager) Size(roomID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[roomID])
}

// RoomsOf returns the rooms connID has joined, sorted.
func (m *Manager) RoomsOf(connID string) []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.byConn[connID]))
	for roomID := range m.byConn[connID] {
		out = append(out, roomID)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Count returns the number of non-empty rooms.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}
