// Package metrics exposes collabd's Prometheus collectors.
//
// Collectors register once per process on the default registry. Every
// Record method is safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	global *Metrics
	once   sync.Once
)

// Metrics holds collabd's Prometheus collectors.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	Handshakes        *prometheus.CounterVec
	AuthFailures      *prometheus.CounterVec
	Events            *prometheus.CounterVec
	RoomsActive       prometheus.Gauge
	RateLimited       *prometheus.CounterVec
	SendDropped       prometheus.Counter

	AIRequests *prometheus.CounterVec
	AIDuration prometheus.Histogram
	AIRetries  prometheus.Counter
	AIScrubbed *prometheus.CounterVec
}

// New returns the process-wide collectors.
//
//   - collabd_connections_active
//   - collabd_handshakes_total{outcome}
//   - collabd_auth_failures_total{reason}
//   - collabd_events_total{event}
//   - collabd_rooms_active
//   - collabd_rate_limited_total{scope}
//   - collabd_send_dropped_total
//   - collabd_ai_requests_total{outcome}
//   - collabd_ai_request_duration_seconds
//   - collabd_ai_retries_total
//   - collabd_ai_prompt_redactions_total{rule}
func New() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "collabd_connections_active",
				Help: "Number of open websocket connections",
			}),
			Handshakes: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "collabd_handshakes_total",
				Help: "Websocket handshakes by outcome",
			}, []string{"outcome"}),
			AuthFailures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "collabd_auth_failures_total",
				Help: "Rejected credentials by reason",
			}, []string{"reason"}),
			Events: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "collabd_events_total",
				Help: "Inbound client events by name",
			}, []string{"event"}),
			RoomsActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "collabd_rooms_active",
				Help: "Rooms with at least one member",
			}),
			RateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "collabd_rate_limited_total",
				Help: "Requests rejected by a rate limiter",
			}, []string{"scope"}),
			SendDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "collabd_send_dropped_total",
				Help: "Outbound frames dropped because a connection's buffer was full",
			}),
			AIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "collabd_ai_requests_total",
				Help: "AI bridge requests by outcome",
			}, []string{"outcome"}),
			AIDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "collabd_ai_request_duration_seconds",
				Help:    "AI bridge request latency including retries",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			}),
			AIRetries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "collabd_ai_retries_total",
				Help: "AI provider calls retried after a transient failure",
			}),
			AIScrubbed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "collabd_ai_prompt_redactions_total",
				Help: "Secrets redacted from prompts before they left the process",
			}, []string{"rule"}),
		}
	})
	return global
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
	m.Handshakes.WithLabelValues("accepted").Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// HandshakeRejected counts a refused connection and its reason.
func (m *Metrics) HandshakeRejected(reason string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues("rejected").Inc()
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// AuthRejected counts a refused HTTP request.
func (m *Metrics) AuthRejected(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) EventReceived(event string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(event).Inc()
}

func (m *Metrics) SetRoomsActive(n int) {
	if m == nil {
		return
	}
	m.RoomsActive.Set(float64(n))
}

func (m *Metrics) RateLimitHit(scope string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(scope).Inc()
}

func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.SendDropped.Inc()
}

// AIRequestDone records one bridge request end to end.
func (m *Metrics) AIRequestDone(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.AIRequests.WithLabelValues(outcome).Inc()
	m.AIDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) AIRetried() {
	if m == nil {
		return
	}
	m.AIRetries.Inc()
}

// PromptScrubbed records redactions applied to one prompt.
func (m *Metrics) PromptScrubbed(byRule map[string]int) {
	if m == nil {
		return
	}
	for rule, n := range byRule {
		m.AIScrubbed.WithLabelValues(rule).Add(float64(n))
	}
}
