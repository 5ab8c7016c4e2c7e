package daelim

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "daelim"

// Metrics holds the Prometheus collectors of the session engine.
// All methods are safe on a nil receiver.
type Metrics struct {
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	pushEvents      *prometheus.CounterVec
	eventsDropped   prometheus.Counter
	unknownEvents   prometheus.Counter
	malformedFrames prometheus.Counter
	reconnects      prometheus.Counter
	forcedTeardowns prometheus.Counter
	sessionState    prometheus.Gauge
	pendingCommands prometheus.Gauge
}

// NewMetrics creates the engine collectors and registers them with reg.
// A nil reg creates unregistered collectors, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Commands dispatched to the apartment server by category and result.",
		}, []string{"category", "result"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "command_duration_seconds",
			Help:      "Round-trip time of commands that received a response.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"category"}),
		pushEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "push_events_total",
			Help:      "Unsolicited state changes received per category.",
		}, []string{"category"}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "subscriber_events_dropped_total",
			Help:      "State changes dropped because the subscriber queue was full.",
		}),
		unknownEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unknown_events_total",
			Help:      "Push items naming a device category that is not modelled.",
		}),
		malformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "malformed_frames_total",
			Help:      "Framing errors that forced a session teardown.",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnects_total",
			Help:      "Sessions re-established after a connection loss.",
		}),
		forcedTeardowns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "forced_teardowns_total",
			Help:      "Sessions torn down after consecutive command timeouts.",
		}),
		sessionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "session_state",
			Help:      "Current session state (0 disconnected, 1 connecting, 2 authenticating, 3 ready, 4 closing).",
		}),
		pendingCommands: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_commands",
			Help:      "Commands awaiting a response.",
		}),
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCommandTimedOut):
		return "timeout"
	case errors.Is(err, ErrConnectionUnavailable):
		return "unavailable"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.Is(err, ErrCommandRejected), errors.Is(err, ErrSessionExpired):
		return "rejected"
	default:
		return "error"
	}
}

func (m *Metrics) observeCommand(cmd Command, latency time.Duration, err error) {
	if m == nil {
		return
	}
	cat := cmd.Category.String()
	if cmd.Category == 0 {
		cat = cmd.Type.String()
	}
	m.commandsTotal.WithLabelValues(cat, resultLabel(err)).Inc()
	if err == nil || errors.Is(err, ErrCommandRejected) {
		m.commandDuration.WithLabelValues(cat).Observe(latency.Seconds())
	}
}

func (m *Metrics) observePush(c Category) {
	if m == nil {
		return
	}
	m.pushEvents.WithLabelValues(c.String()).Inc()
}

func (m *Metrics) incDropped() {
	if m != nil {
		m.eventsDropped.Inc()
	}
}

func (m *Metrics) incUnknown() {
	if m != nil {
		m.unknownEvents.Inc()
	}
}

func (m *Metrics) incMalformed() {
	if m != nil {
		m.malformedFrames.Inc()
	}
}

func (m *Metrics) incReconnects() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) incForced() {
	if m != nil {
		m.forcedTeardowns.Inc()
	}
}

func (m *Metrics) setState(s ConnState) {
	if m != nil {
		m.sessionState.Set(float64(s))
	}
}

func (m *Metrics) addPending(delta float64) {
	if m != nil {
		m.pendingCommands.Add(delta)
	}
}
