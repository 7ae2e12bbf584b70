// Package router validates chat events from a connection and fans them out
// to the connection's room. Messages addressed to the assistant with an
// "@ai" prefix are also sent to the AI bridge, and the reply is broadcast
// back to the room.
package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/collabd/internal/ai"
	"github.com/fyrsmithlabs/collabd/internal/logging"
	"github.com/fyrsmithlabs/collabd/internal/protocol"
	"github.com/fyrsmithlabs/collabd/internal/rooms"
)

// AIMarker is the case-insensitive prefix that addresses the assistant.
const AIMarker = "@ai"

// Messages sent back to the author of an unusable event.
const (
	msgEmptyMessage = "message is required"
	msgEmptyPrompt  = "Please add a question after @ai."
)

// Generator is the AI bridge as seen by the router.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Router routes chat, typing and relayed AI events.
type Router struct {
	rooms  *rooms.Manager
	ai     Generator
	tracer trace.Tracer
	logger *logging.Logger
	now    func() time.Time

	inflight sync.WaitGroup
}

// Option configures a Router.
type Option func(*Router)

// WithTracer records spans for project messages and AI replies. Nil keeps the no-op tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithLogger sets the logger. Nil keeps the no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l.Named("router")
		}
	}
}

// WithClock sets the source of message timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New returns a Router broadcasting through rm and asking gen for replies.
func New(rm *rooms.Manager, gen Generator, opts ...Option) *Router {
	r := &Router{
		rooms:  rm,
		ai:     gen,
		tracer: noop.NewTracerProvider().Tracer("collabd/router"),
		logger: logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AIPrompt reports whether text is addressed to the assistant and returns
// the prompt with the marker removed. The prompt may be empty.
func AIPrompt(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < len(AIMarker) || !strings.EqualFold(trimmed[:len(AIMarker)], AIMarker) {
		return "", false
	}
	return strings.TrimSpace(trimmed[len(AIMarker):]), true
}

// HandleChatMessage broadcasts msg to every member of its room, author
// included. An AI-directed message additionally starts a generation whose
// reply, or failure, arrives later.
func (r *Router) HandleChatMessage(ctx context.Context, from rooms.Member, msg protocol.ProjectMessage) {
	ctx = logging.WithRoomID(ctx, msg.ProjectID)
	ctx, span := r.tracer.Start(ctx, "router.project_message",
		trace.WithAttributes(attribute.String("room.id", msg.ProjectID)))
	defer span.End()

	if err := protocol.ValidateRoomID(msg.ProjectID); err != nil {
		r.reject(ctx, from, protocol.EventProjectMessage, msg.ProjectID, err.Error())
		return
	}
	if strings.TrimSpace(msg.Message) == "" {
		r.reject(ctx, from, protocol.EventProjectMessage, msg.ProjectID, msgEmptyMessage)
		return
	}

	p := from.Principal()
	frame, err := protocol.Encode(protocol.EventProjectMessage, protocol.ChatMessage{
		Message:   msg.Message,
		Sender:    protocol.Sender{ID: p.ID, Email: p.Email, Username: p.Username},
		ProjectID: msg.ProjectID,
		Timestamp: protocol.Timestamp(r.now()),
	})
	if err != nil {
		r.logger.Error(ctx, "encode chat message", zap.Error(err))
		return
	}
	n := r.rooms.Broadcast(msg.ProjectID, frame, "")
	span.SetAttributes(attribute.Int("router.delivered", n))
	r.logger.Debug(ctx, "chat message routed", zap.Int("delivered", n))

	prompt, directed := AIPrompt(msg.Message)
	if !directed {
		return
	}
	span.SetAttributes(attribute.Bool("router.ai_directed", true))
	if prompt == "" {
		r.reject(ctx, from, protocol.EventAIMessage, msg.ProjectID, msgEmptyPrompt)
		return
	}

	// The generation outlives the handler and the author's connection.
	aiCtx := context.WithoutCancel(ctx)
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		r.answer(aiCtx, from, msg.ProjectID, prompt)
	}()
}

func (r *Router) answer(ctx context.Context, from rooms.Member, roomID, prompt string) {
	ctx, span := r.tracer.Start(ctx, "router.ai_reply")
	defer span.End()

	text, err := r.ai.Generate(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		r.logger.Warn(ctx, "ai reply failed",
			zap.String("kind", string(ai.Classify(err))),
			zap.Error(err))
		r.reject(ctx, from, protocol.EventAIMessage, roomID, err.Error())
		return
	}

	payload := protocol.AIMessage{
		Message:   text,
		Sender:    protocol.AISender,
		ProjectID: roomID,
		Timestamp: protocol.Timestamp(r.now()),
	}
	if reply, ok := ai.ParseReply(text); ok {
		payload.Reply = reply
	}
	frame, err := protocol.Encode(protocol.EventAIMessage, payload)
	if err != nil {
		r.logger.Error(ctx, "encode ai reply", zap.Error(err))
		return
	}

	n := r.rooms.Broadcast(roomID, frame, "")
	span.SetAttributes(attribute.Int("router.delivered", n), attribute.Bool("ai.structured", payload.Reply != nil))
	if n == 0 {
		r.logger.Debug(ctx, "ai reply dropped, room is empty")
		return
	}
	r.logger.Info(ctx, "ai reply delivered", zap.Int("delivered", n))
}

// HandleTyping tells the other members of a room that from started or
// stopped typing.
func (r *Router) HandleTyping(ctx context.Context, from rooms.Member, ev protocol.Typing) {
	if err := protocol.ValidateRoomID(ev.ProjectID); err != nil {
		r.reject(ctx, from, protocol.EventTyping, ev.ProjectID, err.Error())
		return
	}
	p := from.Principal()
	frame, err := protocol.Encode(protocol.EventUserTyping, protocol.UserTyping{
		UserID:    p.ID,
		Email:     p.Email,
		ProjectID: ev.ProjectID,
		IsTyping:  ev.IsTyping,
	})
	if err != nil {
		r.logger.Error(ctx, "encode typing", zap.Error(err))
		return
	}
	r.rooms.Broadcast(ev.ProjectID, frame, from.ID())
}

// HandleAIRelay rebroadcasts a client-supplied ai-message to the whole
// room under the assistant's identity. The assistant is not invoked.
func (r *Router) HandleAIRelay(ctx context.Context, from rooms.Member, ev protocol.AIRelay) {
	if err := protocol.ValidateRoomID(ev.ProjectID); err != nil {
		r.reject(ctx, from, protocol.EventAIMessage, ev.ProjectID, err.Error())
		return
	}
	frame, err := protocol.Encode(protocol.EventAIMessage, protocol.AIMessage{
		Message:   ev.Message,
		Sender:    protocol.AISender,
		ProjectID: ev.ProjectID,
		Timestamp: protocol.Timestamp(r.now()),
	})
	if err != nil {
		r.logger.Error(ctx, "encode ai relay", zap.Error(err))
		return
	}
	r.rooms.Broadcast(ev.ProjectID, frame, "")
}

// Wait blocks until every in-flight generation has finished or ctx is done.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) reject(ctx context.Context, to rooms.Member, cause, roomID, message string) {
	r.logger.Debug(ctx, "event rejected", zap.String("event", cause), zap.String("reason", message))
	to.Send(protocol.ErrorFrame(cause, roomID, message))
}
