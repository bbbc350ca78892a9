package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the relay's operational counters. Labels never include user
// ids or session ids; cardinality stays bounded by envelope type.
type Metrics struct {
	Relayed          *prometheus.CounterVec
	ReplayRejected   prometheus.Counter
	IntegrityErrors  prometheus.Counter
	ConnectedClients prometheus.Gauge
	QueuedEnvelopes  prometheus.Gauge
}

// NewMetrics registers the relay collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securechat",
			Subsystem: "relay",
			Name:      "envelopes_relayed_total",
			Help:      "Envelopes accepted and routed, by envelope type.",
		}, []string{"type"}),
		ReplayRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "securechat",
			Subsystem: "relay",
			Name:      "replays_rejected_total",
			Help:      "Envelopes rejected by the metadata uniqueness or ordering checks.",
		}),
		IntegrityErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "securechat",
			Subsystem: "relay",
			Name:      "key_integrity_errors_total",
			Help:      "Identity key reads that failed the tamper hash check.",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "securechat",
			Subsystem: "relay",
			Name:      "connected_clients",
			Help:      "Currently connected WebSocket clients.",
		}),
		QueuedEnvelopes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "securechat",
			Subsystem: "relay",
			Name:      "queued_envelopes",
			Help:      "Envelopes waiting for their receiver to reconnect.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Relayed, m.ReplayRejected, m.IntegrityErrors, m.ConnectedClients, m.QueuedEnvelopes)
	}
	return m
}
