package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"time"
)

const metricsNamespace = "disco"

// Metrics holds the gateway's prometheus collectors. A nil *Metrics is
// valid, and records nothing.
type Metrics struct {
	connects       *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	heartbeats     prometheus.Counter
	heartbeatAcks  prometheus.Counter
	latency        prometheus.Histogram
	dispatches     *prometheus.CounterVec
	decodeFailures prometheus.Counter
	invalidEvents  *prometheus.CounterVec
	handlerPanics  *prometheus.CounterVec
	state          prometheus.Gauge
	seqRegressions prometheus.Counter
}

// NewMetrics registers the gateway collectors with the given registerer.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		connects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "connects_total",
				Help:      "Gateway connections opened, by whether they identified or resumed",
			}, []string{"mode"},
		),
		reconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "reconnects_total",
				Help:      "Gateway reconnects, by close reason",
			}, []string{"reason"},
		),
		heartbeats: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "heartbeats_total",
				Help:      "Heartbeats sent",
			},
		),
		heartbeatAcks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "heartbeat_acks_total",
				Help:      "Heartbeat acknowledgements received",
			},
		),
		latency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "heartbeat_latency_seconds",
				Help:      "Heartbeat round trip time",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "dispatches_total",
				Help:      "Dispatch events routed, by event name",
			}, []string{"event"},
		),
		decodeFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "decode_failures_total",
				Help:      "Inbound messages that couldn't be decoded",
			},
		),
		invalidEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "invalid_events_total",
				Help:      "Dispatch events dropped for failing validation",
			}, []string{"event"},
		),
		handlerPanics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "handler_panics_total",
				Help:      "Event handlers that panicked, by event name",
			}, []string{"event"},
		),
		state: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "state",
				Help:      "Current connection state (0=DISCONNECTED ... 5=CLOSING)",
			},
		),
		seqRegressions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "sequence_regressions_total",
				Help:      "Frames carrying a sequence lower than the last one seen",
			},
		),
	}
}

func (m *Metrics) connected(resumed bool) {
	if m == nil {
		return
	}
	mode := "identify"
	if resumed {
		mode = "resume"
	}
	m.connects.WithLabelValues(mode).Inc()
}

func (m *Metrics) reconnect(reason closeReason) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(reason.String()).Inc()
}

func (m *Metrics) heartbeatSent() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

func (m *Metrics) heartbeatAcked(rtt time.Duration) {
	if m == nil {
		return
	}
	m.heartbeatAcks.Inc()
	m.latency.Observe(rtt.Seconds())
}

func (m *Metrics) dispatched(event string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(event).Inc()
}

func (m *Metrics) decodeFailed() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

func (m *Metrics) invalidEvent(event string) {
	if m == nil {
		return
	}
	m.invalidEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) handlerPanicked(event string) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(event).Inc()
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) sequenceRegression() {
	if m == nil {
		return
	}
	m.seqRegressions.Inc()
}
