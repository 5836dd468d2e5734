package app

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the service-level counters exposed on /metrics.
type Metrics struct {
	MessagesSent     prometheus.Counter
	SendFailures     prometheus.Counter
	FanoutDeliveries prometheus.Counter
	OpenSessions     prometheus.Gauge
}

// NewMetrics builds the metric set and registers it. reg may be nil, which
// leaves the metrics unregistered (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimline_messages_sent_total",
			Help: "Messages durably appended and reconciled.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimline_send_failures_total",
			Help: "Optimistic sends rolled back after a persistence failure.",
		}),
		FanoutDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimline_fanout_deliveries_total",
			Help: "Messages delivered to sessions over the fan-out channel.",
		}),
		OpenSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "claimline_open_chat_sessions",
			Help: "Currently open chat sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.MessagesSent, m.SendFailures, m.FanoutDeliveries, m.OpenSessions)
	}
	return m
}
