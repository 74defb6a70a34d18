package teamchat

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors for the sync core. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	SendsTotal          *prometheus.CounterVec
	EventsTotal         *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teamchat_sends_total",
				Help: "Optimistic sends by outcome",
			},
			[]string{"outcome"}, // "sent", "failed", "rejected"
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teamchat_events_total",
				Help: "Live events seen by subscriptions",
			},
			[]string{"result"}, // "delivered", "filtered"
		),
		ActiveSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "teamchat_active_subscriptions",
				Help: "Open conversation subscriptions",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.SendsTotal, m.EventsTotal, m.ActiveSubscriptions)
	}
	return m
}

func (m *Metrics) send(outcome string) {
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) event(result string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) subscriptions(n int) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Set(float64(n))
}
