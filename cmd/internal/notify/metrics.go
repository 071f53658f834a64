package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts notification outcomes. A nil *Metrics records nothing.
type Metrics struct {
	outcomes *prometheus.CounterVec
}

// NewMetrics registers the notification counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		outcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "studyhub",
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Notifications by outcome (delivered, failed, dropped).",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) delivered() { m.inc("delivered") }
func (m *Metrics) failed()    { m.inc("failed") }
func (m *Metrics) dropped()   { m.inc("dropped") }

func (m *Metrics) inc(outcome string) {
	if m != nil {
		m.outcomes.WithLabelValues(outcome).Inc()
	}
}
