package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/collabd/internal/protocol"
	"github.com/fyrsmithlabs/collabd/pkg/auth"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Session is one authenticated websocket connection.
type Session struct {
	id        string
	principal auth.Principal
	conn      *websocket.Conn
	hub       *Hub
	limiter   *rate.Limiter

	send  chan protocol.Frame
	state atomic.Int32

	mu          sync.RWMutex
	closed      bool
	closeCode   int
	closeReason string
	done        chan struct{}
}

func newSession(h *Hub, conn *websocket.Conn, p auth.Principal) *Session {
	s := &Session{
		id:        uuid.NewString(),
		principal: p,
		conn:      conn,
		hub:       h,
		send:      make(chan protocol.Frame, h.cfg.SendBuffer),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
	if h.cfg.MessagesPerSecond > 0 {
		burst := h.cfg.MessageBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), burst)
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Principal() auth.Principal { return s.principal }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) transition(to State) bool {
	for {
		from := s.State()
		if !canTransition(from, to) {
			return false
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			return true
		}
	}
}

// Send queues f for the peer without blocking. A peer that cannot keep up
// with its buffer is disconnected. Send on a closed session returns false.
func (s *Session) Send(f protocol.Frame) bool {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false
	}
	select {
	case s.send <- f:
		s.mu.RUnlock()
		return true
	default:
	}
	s.mu.RUnlock()

	s.hub.metrics.FrameDropped()
	s.hub.logger.Warn(s.hub.logCtx(context.Background(), s), "send buffer full, closing slow connection")
	s.closeWith(websocket.ClosePolicyViolation, "slow consumer")
	return false
}

// Close ends the session. The peer gets a normal close frame.
func (s *Session) Close() {
	s.closeWith(websocket.CloseNormalClosure, "")
}

func (s *Session) closeWith(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	close(s.done)
}

// readPump reads frames until the connection fails or is closed, handing
// each to dispatch.
func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(s.hub.cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.hub.logger.Warn(ctx, "websocket read error", zap.Error(err))
			}
			return
		}
		if s.limiter != nil && !s.limiter.Allow() {
			s.hub.metrics.RateLimitHit("session")
			s.Send(protocol.ErrorFrame("", "", msgRateLimited))
			continue
		}
		s.hub.dispatch(ctx, s, raw)
	}
}

// writePump is the only writer on the connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, f); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			s.mu.RLock()
			msg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
			s.mu.RUnlock()
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}
