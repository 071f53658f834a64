package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the realtime collectors. A nil *Metrics records nothing, so
// tests and tools can skip instrumentation.
type Metrics struct {
	connections     prometheus.Gauge
	framesIn        *prometheus.CounterVec
	framesOut       prometheus.Counter
	messages        *prometheus.CounterVec
	broadcasts      *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	presenceUpdates prometheus.Counter
	authFailures    prometheus.Counter
	slowConsumers   prometheus.Counter
	sweepFailures   prometheus.Counter
}

// NewMetrics registers the realtime collectors on reg. A nil reg builds
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	const ns = "studyhub"
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "ws", Name: "connections",
			Help: "Open websocket sessions.",
		}),
		framesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "ws", Name: "frames_in_total",
			Help: "Frames received from clients, by envelope type.",
		}, []string{"type"}),
		framesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "ws", Name: "frames_out_total",
			Help: "Frames written to clients.",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "messages", Name: "appended_total",
			Help: "Messages appended to room logs, by room kind.",
		}, []string{"kind"}),
		broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "hub", Name: "broadcasts_total",
			Help: "Topic publishes, by topic kind.",
		}, []string{"topic"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "hub", Name: "deliveries_total",
			Help: "Envelopes accepted by subscriber queues, by topic kind.",
		}, []string{"topic"}),
		presenceUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "presence", Name: "updates_total",
			Help: "Presence count changes broadcast.",
		}),
		authFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "auth", Name: "failures_total",
			Help: "Rejected bearer credentials.",
		}),
		slowConsumers: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "hub", Name: "slow_consumers_total",
			Help: "Sessions evicted because their send queue was full.",
		}),
		sweepFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "presence", Name: "sweep_failures_total",
			Help: "Failed presence sweep attempts on disconnect.",
		}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) frameIn(typ string) {
	if m != nil {
		m.framesIn.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) frameOut() {
	if m != nil {
		m.framesOut.Inc()
	}
}

func (m *Metrics) messageAppended(kind RoomKind) {
	if m != nil {
		m.messages.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) broadcast(topic string, delivered int) {
	if m != nil {
		m.broadcasts.WithLabelValues(topic).Inc()
		m.deliveries.WithLabelValues(topic).Add(float64(delivered))
	}
}

func (m *Metrics) presenceUpdate() {
	if m != nil {
		m.presenceUpdates.Inc()
	}
}

func (m *Metrics) authFailure() {
	if m != nil {
		m.authFailures.Inc()
	}
}

func (m *Metrics) slowConsumer() {
	if m != nil {
		m.slowConsumers.Inc()
	}
}

func (m *Metrics) sweepFailure() {
	if m != nil {
		m.sweepFailures.Inc()
	}
}
