package disco

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"strconv"
	"time"
)

const metricsNamespace = "disco"

// Metrics holds the bot's prometheus collectors. A nil *Metrics is
// valid, and records nothing.
type Metrics struct {
	messages        prometheus.Counter
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	commandPanics   *prometheus.CounterVec
	aiRequests      *prometheus.CounterVec
	aiLatency       *prometheus.HistogramVec
	queueSize       prometheus.Gauge
	queueDropped    *prometheus.CounterVec
	apiRequests     *prometheus.CounterVec
	apiLatency      *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		messages: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "bot",
				Name:      "messages_total",
				Help:      "Messages received from other users",
			},
		),
		commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "bot",
				Name:      "commands_total",
				Help:      "Commands run, by command and outcome",
			}, []string{"command", "outcome"},
		),
		commandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "bot",
				Name:      "command_duration_seconds",
				Help:      "Command run time",
				Buckets:   prometheus.DefBuckets,
			}, []string{"command"},
		),
		commandPanics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "bot",
				Name:      "command_panics_total",
				Help:      "Commands that panicked",
			}, []string{"command"},
		),
		aiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ai",
				Name:      "requests_total",
				Help:      "Chat completion requests, by model and outcome",
			}, []string{"model", "outcome"},
		),
		aiLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "ai",
				Name:      "request_duration_seconds",
				Help:      "Chat completion request time",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			}, []string{"model"},
		),
		queueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "queue",
				Name:      "size",
				Help:      "AI requests waiting in the queue",
			},
		),
		queueDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "queue",
				Name:      "dropped_total",
				Help:      "AI requests dropped from the queue, by reason",
			}, []string{"reason"},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "API requests, by method, route and status",
			}, []string{"method", "route", "status"},
		),
		apiLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "API request time",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "route"},
		),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) messageReceived() {
	if m == nil {
		return
	}
	m.messages.Inc()
}

func (m *Metrics) commandRan(command string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome(err)).Inc()
	m.commandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (m *Metrics) commandPanicked(command string) {
	if m == nil {
		return
	}
	m.commandPanics.WithLabelValues(command).Inc()
}

func (m *Metrics) aiRequest(model string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.aiRequests.WithLabelValues(model, outcome(err)).Inc()
	m.aiLatency.WithLabelValues(model).Observe(elapsed.Seconds())
}

func (m *Metrics) setQueueSize(n int) {
	if m == nil {
		return
	}
	m.queueSize.Set(float64(n))
}

func (m *Metrics) queueDrop(reason string) {
	if m == nil {
		return
	}
	m.queueDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) apiRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.apiLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
