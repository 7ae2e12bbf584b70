package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/collabd/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false}, "dev")
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	degraded, _ := tel.Degraded()
	assert.False(t, degraded)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_EnabledWithoutEndpoint(t *testing.T) {
	_, err := New(context.Background(), config.TelemetryConfig{Enabled: true}, "dev")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTestTelemetry_RecordsSpans(t *testing.T) {
	tel := NewTestTelemetry()

	_, span := tel.Tracer("collabd/test").Start(context.Background(), "rooms.join")
	span.SetAttributes(attribute.String("room.id", "p1"))
	span.End()

	tel.AssertSpanAttribute(t, "rooms.join", "room.id", "p1")
	assert.Nil(t, tel.SpanByName("missing"))
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel.example.com:4318", stripScheme("https://otel.example.com:4318"))
	assert.Equal(t, "localhost:4318", stripScheme("http://localhost:4318"))
	assert.Equal(t, "localhost:4317", stripScheme("localhost:4317"))
}
