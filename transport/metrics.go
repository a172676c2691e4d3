package transport

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/luma/docsync/protocol"
)

const metricsNamespace = "docsync"

// Metrics are the server's prometheus collectors. They are registered on the registerer given
// to NewMetrics, so several servers can live in one process as long as each gets its own.
type Metrics struct {
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	bytesSent        prometheus.Counter
	connections      prometheus.Gauge
	receiveErrors    *prometheus.CounterVec
	patchesBroadcast prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Complete messages received, by message type.",
		}, []string{"msgtype"}),

		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_sent_total",
			Help:      "Messages sent, by message type.",
		}, []string{"msgtype"}),

		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_sent_total",
			Help:      "Fragment bytes written to connections.",
		}),

		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Currently open client connections.",
		}),

		receiveErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "receive_errors_total",
			Help:      "Connections closed because of bad input, by error kind.",
		}, []string{"kind"}),

		patchesBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "patches_broadcast_total",
			Help:      "Document patches forwarded to other connections.",
		}),
	}
}

func (m *Metrics) received(msg *protocol.Message) {
	m.messagesReceived.WithLabelValues(string(msg.Type())).Inc()
}

func (m *Metrics) sent(msg *protocol.Message, n int) {
	m.messagesSent.WithLabelValues(string(msg.Type())).Inc()
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) receiveError(err error) {
	m.receiveErrors.WithLabelValues(errorKind(err)).Inc()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrValidation):
		return "validation"

	case errors.Is(err, protocol.ErrProtocol):
		return "protocol"

	case errors.Is(err, protocol.ErrMessage):
		return "message"

	default:
		return "other"
	}
}
