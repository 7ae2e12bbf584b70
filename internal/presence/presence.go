// Package presence tracks which connection currently represents each
// principal and announces connects and disconnects to everyone.
package presence

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/collabd/internal/logging"
	"github.com/fyrsmithlabs/collabd/internal/protocol"
)

// Conn is a live connection as seen by the registry.
type Conn interface {
	ID() string
	Send(protocol.Frame) bool
}

// Registry maps principal id to its most recent connection.
//
// Every registered connection receives global broadcasts, including
// connections that were superseded by a newer one for the same principal.
type Registry struct {
	mu      sync.RWMutex
	current map[string]Conn // principal id -> latest connection
	conns   map[string]Conn // connection id -> connection
	logger  *logging.Logger
}

// New returns an empty registry.
func New(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{
		current: make(map[string]Conn),
		conns:   make(map[string]Conn),
		logger:  logger.Named("presence"),
	}
}

// Register makes conn the principal's current connection, replacing any
// earlier one, and broadcasts user-online.
func (r *Registry) Register(ctx context.Context, principalID string, conn Conn) {
	r.mu.Lock()
	r.current[principalID] = conn
	r.conns[conn.ID()] = conn
	r.mu.Unlock()

	r.logger.Debug(ctx, "principal online")
	r.BroadcastGlobal(ctx, protocol.EventUserOnline, protocol.UserPresence{UserID: principalID})
}

// Unregister removes conn and broadcasts user-offline. The principal's
// entry is only cleared while it still points at conn, so closing an
// older connection leaves a newer one in place. It reports whether the
// entry was cleared.
func (r *Registry) Unregister(ctx context.Context, principalID string, conn Conn) bool {
	r.mu.Lock()
	delete(r.conns, conn.ID())
	cleared := false
	if cur, ok := r.current[principalID]; ok && cur.ID() == conn.ID() {
		delete(r.current, principalID)
		cleared = true
	}
	r.mu.Unlock()

	r.logger.Debug(ctx, "principal offline", zap.Bool("entry_cleared", cleared))
	r.BroadcastGlobal(ctx, protocol.EventUserOffline, protocol.UserPresence{UserID: principalID})
	return cleared
}

// BroadcastGlobal sends event to every registered connection.
func (r *Registry) BroadcastGlobal(ctx context.Context, event string, payload any) int {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.logger.Error(ctx, "encode broadcast", zap.String("event", event), zap.Error(err))
		return 0
	}

	r.mu.RLock()
	targets := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Send(frame) {
			delivered++
		}
	}
	return delivered
}

// Lookup returns the principal's current connection.
func (r *Registry) Lookup(principalID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.current[principalID]
	return c, ok
}

// Online returns the number of principals with a current connection.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.current)
}

// Connections returns the number of registered connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
