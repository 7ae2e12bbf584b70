// Package session runs the lifecycle of authenticated websocket
// connections.
//
// A connection moves through Connecting, Authenticated, Active and
// Disconnected. While Active its inbound frames are decoded and dispatched
// by event name to the room manager and the message router. Leaving
// Active releases every room membership and clears presence exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/collabd/internal/config"
	"github.com/fyrsmithlabs/collabd/internal/logging"
	"github.com/fyrsmithlabs/collabd/internal/metrics"
	"github.com/fyrsmithlabs/collabd/internal/presence"
	"github.com/fyrsmithlabs/collabd/internal/protocol"
	"github.com/fyrsmithlabs/collabd/internal/rooms"
	"github.com/fyrsmithlabs/collabd/internal/router"
	"github.com/fyrsmithlabs/collabd/pkg/auth"
)

const msgRateLimited = "rate limit exceeded"

// ErrShuttingDown is returned by Serve once Shutdown has started.
var ErrShuttingDown = errors.New("session hub is shutting down")

// Config holds per-connection limits.
type Config struct {
	SendBuffer        int
	MessagesPerSecond float64
	MessageBurst      int
	MaxMessageBytes   int64
}

// ConfigFrom extracts the session limits from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		SendBuffer:        cfg.Session.SendBuffer,
		MessagesPerSecond: cfg.Session.MessagesPerSecond,
		MessageBurst:      cfg.Session.MessageBurst,
		MaxMessageBytes:   cfg.Server.MaxMessageBytes,
	}
}

type handler func(ctx context.Context, h *Hub, s *Session, ev protocol.Inbound)

// handlers is the dispatch table for Active sessions.
var handlers = map[string]handler{
	protocol.EventJoinProject: func(ctx context.Context, h *Hub, s *Session, ev protocol.Inbound) {
		if err := h.rooms.Join(ctx, s, ev.Room()); err != nil {
			s.Send(protocol.ErrorFrame(protocol.EventJoinProject, ev.Room(), err.Error()))
		}
	},
	protocol.EventLeaveProject: func(ctx context.Context, h *Hub, s *Session, ev protocol.Inbound) {
		h.rooms.Leave(ctx, s, ev.Room())
	},
	protocol.EventProjectMessage: func(ctx context.Context, h *Hub, s *Session, ev protocol.Inbound) {
		h.router.HandleChatMessage(ctx, s, ev.(protocol.ProjectMessage))
	},
	protocol.EventTyping: func(ctx context.Context, h *Hub, s *Session, ev protocol.Inbound) {
		h.router.HandleTyping(ctx, s, ev.(protocol.Typing))
	},
	protocol.EventAIMessage: func(ctx context.Context, h *Hub, s *Session, ev protocol.Inbound) {
		h.router.HandleAIRelay(ctx, s, ev.(protocol.AIRelay))
	},
}

// Hub owns every live session.
type Hub struct {
	cfg      Config
	presence *presence.Registry
	rooms    *rooms.Manager
	router   *router.Router
	metrics  *metrics.Metrics
	logger   *logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithMetrics tracks connection and message counts. Nil disables metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithLogger sets the logger. Nil keeps the no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l.Named("session")
		}
	}
}

// NewHub returns a Hub wired to the shared registries.
func NewHub(cfg Config, p *presence.Registry, rm *rooms.Manager, r *router.Router, opts ...Option) *Hub {
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = 256
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 16 * 1024
	}
	h := &Hub{
		cfg:      cfg,
		presence: p,
		rooms:    rm,
		router:   r,
		logger:   logging.NewNop(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs an upgraded connection for principal until it disconnects.
// The credential must already have been verified.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, principal auth.Principal) error {
	s := newSession(h, conn, principal)

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return ErrShuttingDown
	}
	h.sessions[s.id] = s
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	// The session outlives the upgrade request.
	ctx = h.logCtx(context.WithoutCancel(ctx), s)

	if principal.ID == "" || !s.transition(StateAuthenticated) {
		h.teardown(ctx, s)
		conn.Close()
		return fmt.Errorf("session %s: principal has no id", s.id)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()

	h.presence.Register(ctx, principal.ID, s)
	s.transition(StateActive)
	h.metrics.ConnectionOpened()
	h.logger.Info(ctx, "connection active", zap.String("email", principal.Email))

	s.readPump(ctx)

	h.teardown(ctx, s)
	<-writerDone
	return nil
}

// teardown releases everything the session holds. It runs once.
func (h *Hub) teardown(ctx context.Context, s *Session) {
	wasActive := s.State() == StateActive
	if !s.transition(StateDisconnected) {
		return
	}
	s.Close()

	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()

	if !wasActive {
		return
	}
	left := h.rooms.LeaveAll(s)
	h.presence.Unregister(ctx, s.principal.ID, s)
	h.metrics.ConnectionClosed()
	h.logger.Info(ctx, "connection closed", zap.Strings("rooms_left", left))
}

func (h *Hub) dispatch(ctx context.Context, s *Session, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error(ctx, "panic in event handler",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			s.Send(protocol.ErrorFrame("", "", "internal error"))
		}
	}()

	if s.State() != StateActive {
		return
	}

	ev, err := protocol.Decode(raw)
	if err != nil {
		cause := ""
		var unknown *protocol.UnknownEventError
		if errors.As(err, &unknown) {
			cause = unknown.Event
		}
		h.logger.Debug(ctx, "rejected frame", zap.Error(err))
		s.Send(protocol.ErrorFrame(cause, "", err.Error()))
		return
	}

	h.metrics.EventReceived(ev.EventName())
	handle, ok := handlers[ev.EventName()]
	if !ok {
		s.Send(protocol.ErrorFrame(ev.EventName(), ev.Room(), "unsupported event"))
		return
	}
	handle(logging.WithRoomID(ctx, ev.Room()), h, s, ev)
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown closes every session and waits for their cleanup, then for
// in-flight AI replies, until ctx is done.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions: %w", ctx.Err())
	}

	if h.router != nil {
		if err := h.router.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for ai replies: %w", err)
		}
	}
	return nil
}

func (h *Hub) logCtx(ctx context.Context, s *Session) context.Context {
	ctx = logging.WithConnID(ctx, s.id)
	return logging.WithPrincipalID(ctx, s.principal.ID)
}
