// Package metrics holds the prometheus collectors shared by the provider
// and the relay. A nil *Metrics records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "collabtext"

// Metrics groups the collectors.
type Metrics struct {
	messages       *prometheus.CounterVec
	decodeErrors   *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	documentFaults prometheus.Counter
	connections    prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Room messages by direction and kind.",
		}, []string{"direction", "kind"}),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Payloads dropped because they did not decode.",
		}, []string{"kind"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Messages dropped before processing.",
		}, []string{"reason"}),
		documentFaults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_faults_total",
			Help:      "Errors raised by the replicated document other than decode errors.",
		}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Open relay websocket connections.",
		}),
	}
}

func (m *Metrics) Received(kind string) {
	if m != nil {
		m.messages.WithLabelValues("in", kind).Inc()
	}
}

func (m *Metrics) Sent(kind string) {
	if m != nil {
		m.messages.WithLabelValues("out", kind).Inc()
	}
}

func (m *Metrics) DecodeError(kind string) {
	if m != nil {
		m.decodeErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) DocumentFault() {
	if m != nil {
		m.documentFaults.Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}
