package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	connCtxKey      struct{}
	principalCtxKey struct{}
	roomCtxKey      struct{}
	loggerCtxKey    struct{}
)

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id, ok := ctx.Value(connCtxKey{}).(string); ok {
		fields = append(fields, zap.String("conn.id", id))
	}
	if id, ok := ctx.Value(principalCtxKey{}).(string); ok {
		fields = append(fields, zap.String("principal.id", id))
	}
	if id, ok := ctx.Value(roomCtxKey{}).(string); ok {
		fields = append(fields, zap.String("room.id", id))
	}
	return fields
}

// WithConnID tags ctx with a connection id.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connCtxKey{}, id)
}

// WithPrincipalID tags ctx with the authenticated principal.
func WithPrincipalID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, id)
}

// WithRoomID tags ctx with the room a message targets.
func WithRoomID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, roomCtxKey{}, id)
}

// ConnIDFromContext returns the connection id, or "".
func ConnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(connCtxKey{}).(string)
	return id
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
