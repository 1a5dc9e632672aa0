// Package metrics exposes connection events as Prometheus metrics.
package metrics

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/silktransport/silk"
)

type tracer struct {
	connectionsStarted  prometheus.Counter
	connectionsClosed   prometheus.Counter
	handshakesCompleted prometheus.Counter
	packetsSent         prometheus.Counter
	packetsReceived     prometheus.Counter
	bytesSent           prometheus.Counter
	bytesReceived       prometheus.Counter
	packetsLost         prometheus.Counter
	packetsDropped      *prometheus.CounterVec
	rekeys              prometheus.Counter
	migrations          prometheus.Counter
}

var _ silk.Tracer = &tracer{}

// NewTracer builds a Tracer that counts connection events. All metrics are
// registered on r under the given namespace.
func NewTracer(r prometheus.Registerer, namespace string) silk.Tracer {
	t := &tracer{
		connectionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_started_total",
			Help:      "Connections started, dialed and accepted combined.",
		}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Connections closed.",
		}),
		handshakesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_completed_total",
			Help:      "Successfully completed handshakes.",
		}),
		packetsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets sent.",
		}),
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets received and authenticated.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Bytes sent, including protocol overhead.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Bytes received and authenticated, including protocol overhead.",
		}),
		packetsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_lost_total",
			Help:      "Packets declared lost.",
		}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets dropped before processing.",
		}, []string{"reason"}),
		rekeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rekeys_total",
			Help:      "Completed forward secrecy rekeys.",
		}),
		migrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Completed connection migrations.",
		}),
	}
	r.MustRegister(
		t.connectionsStarted,
		t.connectionsClosed,
		t.handshakesCompleted,
		t.packetsSent,
		t.packetsReceived,
		t.bytesSent,
		t.bytesReceived,
		t.packetsLost,
		t.packetsDropped,
		t.rekeys,
		t.migrations,
	)
	return t
}

func (t *tracer) StartedConnection(local, remote net.Addr) { t.connectionsStarted.Inc() }
func (t *tracer) ClosedConnection(err error)               { t.connectionsClosed.Inc() }
func (t *tracer) CompletedHandshake()                      { t.handshakesCompleted.Inc() }
func (t *tracer) Rekeyed()                                 { t.rekeys.Inc() }
func (t *tracer) Migrated(addr net.Addr)                   { t.migrations.Inc() }
func (t *tracer) LostPacket()                              { t.packetsLost.Inc() }

func (t *tracer) SentPacket(size int) {
	t.packetsSent.Inc()
	t.bytesSent.Add(float64(size))
}

func (t *tracer) ReceivedPacket(size int) {
	t.packetsReceived.Inc()
	t.bytesReceived.Add(float64(size))
}

func (t *tracer) DroppedPacket(reason string) {
	t.packetsDropped.WithLabelValues(reason).Inc()
}
