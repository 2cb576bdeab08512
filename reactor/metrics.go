package reactor

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the per-reactor collectors. They work unregistered; call Register to expose them.
type Metrics struct {
	CallsIssued     prometheus.Counter
	CallsCompleted  *prometheus.CounterVec
	CallsInFlight   prometheus.Gauge
	CallLatency     prometheus.Histogram
	CallsRejected   prometheus.Counter
	RequestsServed  *prometheus.CounterVec
	MalformedFrames prometheus.Counter
	Reconnects      prometheus.Counter
	Connections     *prometheus.GaugeVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		CallsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "calls_issued_total",
			Help:      "Number of calls handed to the reactor.",
		}),
		CallsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "calls_completed_total",
			Help:      "Number of calls resolved, by terminal status.",
		}, []string{"status"}),
		CallsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "calls_in_flight",
			Help:      "Number of calls waiting for a reply.",
		}),
		CallLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "Time from issuance to resolution.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		CallsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "calls_rejected_total",
			Help:      "Calls refused because the reconnect queue was full.",
		}),
		RequestsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Replies sent by server connections, by status.",
		}, []string{"status"}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Inbound messages that failed to decode.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnects_total",
			Help:      "Successful redials of client connections.",
		}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open connections, by role.",
		}, []string{"role"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.CallsIssued, m.CallsCompleted, m.CallsInFlight, m.CallLatency, m.CallsRejected,
		m.RequestsServed, m.MalformedFrames, m.Reconnects, m.Connections,
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return errors.Wrap(err, "register reactor metrics")
		}
	}
	return nil
}
