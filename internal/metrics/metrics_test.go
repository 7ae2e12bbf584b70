package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNew_Singleton(t *testing.T) {
	assert.Same(t, New(), New())
}

func TestMetrics_Record(t *testing.T) {
	m := New()

	accepted := testutil.ToFloat64(m.Handshakes.WithLabelValues("accepted"))
	active := testutil.ToFloat64(m.ConnectionsActive)
	m.ConnectionOpened()
	assert.Equal(t, accepted+1, testutil.ToFloat64(m.Handshakes.WithLabelValues("accepted")))
	assert.Equal(t, active+1, testutil.ToFloat64(m.ConnectionsActive))
	m.ConnectionClosed()
	assert.Equal(t, active, testutil.ToFloat64(m.ConnectionsActive))

	expired := testutil.ToFloat64(m.AuthFailures.WithLabelValues("expired"))
	m.HandshakeRejected("expired")
	assert.Equal(t, expired+1, testutil.ToFloat64(m.AuthFailures.WithLabelValues("expired")))

	ok := testutil.ToFloat64(m.AIRequests.WithLabelValues("ok"))
	m.AIRequestDone("ok", 1500*time.Millisecond)
	assert.Equal(t, ok+1, testutil.ToFloat64(m.AIRequests.WithLabelValues("ok")))

	m.SetRoomsActive(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RoomsActive))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.HandshakeRejected("invalid")
		m.AuthRejected("revoked")
		m.EventReceived("typing")
		m.SetRoomsActive(1)
		m.RateLimitHit("session")
		m.FrameDropped()
		m.AIRequestDone("error", time.Second)
		m.AIRetried()
	})
}
