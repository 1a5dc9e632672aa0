package metrics

import (
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTracerCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewTracer(reg, "silk").(*tracer)

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1234}
	tr.StartedConnection(addr, addr)
	tr.CompletedHandshake()
	tr.SentPacket(100)
	tr.SentPacket(200)
	tr.ReceivedPacket(150)
	tr.LostPacket()
	tr.DroppedPacket("unknown connection")
	tr.DroppedPacket("unknown connection")
	tr.Rekeyed()
	tr.Migrated(addr)
	tr.ClosedConnection(nil)

	require.Equal(t, float64(1), testutil.ToFloat64(tr.connectionsStarted))
	require.Equal(t, float64(1), testutil.ToFloat64(tr.handshakesCompleted))
	require.Equal(t, float64(2), testutil.ToFloat64(tr.packetsSent))
	require.Equal(t, float64(300), testutil.ToFloat64(tr.bytesSent))
	require.Equal(t, float64(1), testutil.ToFloat64(tr.packetsReceived))
	require.Equal(t, float64(150), testutil.ToFloat64(tr.bytesReceived))
	require.Equal(t, float64(1), testutil.ToFloat64(tr.packetsLost))
	require.Equal(t, float64(2), testutil.ToFloat64(tr.packetsDropped.WithLabelValues("unknown connection")))
	require.Equal(t, float64(1), testutil.ToFloat64(tr.rekeys))
	require.Equal(t, float64(1), testutil.ToFloat64(tr.migrations))
	require.Equal(t, float64(1), testutil.ToFloat64(tr.connectionsClosed))
}

func TestTracerRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewTracer(reg, "silk")
	require.Panics(t, func() { NewTracer(reg, "silk") })
}
