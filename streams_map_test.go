package silk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/silktransport/silk/internal/congestion"
	"github.com/silktransport/silk/internal/flowcontrol"
	"github.com/silktransport/silk/internal/protocol"
	"github.com/silktransport/silk/internal/wire"
)

type testStreamSender struct {
	controlFrames []*wire.Frame
}

func (s *testStreamSender) onHasStreamData(protocol.StreamID) {}
func (s *testStreamSender) queueControlFrame(f *wire.Frame) {
	s.controlFrames = append(s.controlFrames, f)
}
func (s *testStreamSender) onStreamCompleted(protocol.StreamID) {}

func newTestStreamsMap(pers protocol.Perspective, maxIncoming int) *streamsMap {
	rtt := &congestion.RTTStats{}
	sender := &testStreamSender{}
	cfc := flowcontrol.NewConnectionFlowController(1<<20, 1<<20, 1<<20, rtt)
	newStr := func(id protocol.StreamID) *stream {
		fc := flowcontrol.NewStreamFlowController(id, cfc, 1<<18, 1<<20, 1<<18, rtt)
		return newStream(id, sender, fc)
	}
	return newStreamsMap(newStr, pers, maxIncoming)
}

func TestStreamsMapLateAnnouncement(t *testing.T) {
	m := newTestStreamsMap(protocol.PerspectiveResponder, 8)

	// the announcement of stream 1 is delayed, stream 3 shows up first
	str3, err := m.GetOrOpenStream(3)
	require.NoError(t, err)
	require.NotNil(t, str3)
	require.Equal(t, protocol.StreamID(3), str3.StreamID())

	// stream 1 was opened along the way, the retransmitted announcement
	// finds it instead of being refused
	str1, err := m.GetOrOpenStream(1)
	require.NoError(t, err)
	require.NotNil(t, str1)
	require.Equal(t, protocol.StreamID(1), str1.StreamID())

	// both wait in the accept queue, lowest first
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a, err := m.AcceptStream(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.StreamID(1), a.StreamID())
	a, err = m.AcceptStream(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.StreamID(3), a.StreamID())
}

func TestStreamsMapCompletedStream(t *testing.T) {
	m := newTestStreamsMap(protocol.PerspectiveResponder, 8)

	str, err := m.GetOrOpenStream(1)
	require.NoError(t, err)
	require.NotNil(t, str)
	m.DeleteStream(1)

	// late frames for a completed stream resolve to nil, not to an error
	// and not to a fresh stream
	str, err = m.GetOrOpenStream(1)
	require.NoError(t, err)
	require.Nil(t, str)
}

func TestStreamsMapIncomingLimit(t *testing.T) {
	m := newTestStreamsMap(protocol.PerspectiveResponder, 2)

	_, err := m.GetOrOpenStream(1)
	require.NoError(t, err)

	// stream 5 would open streams 3 and 5, pushing past the limit
	_, err = m.GetOrOpenStream(5)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, StreamLimitError, transportErr.ErrorCode)

	// the refusal leaves existing streams untouched
	str, err := m.GetOrOpenStream(1)
	require.NoError(t, err)
	require.NotNil(t, str)

	// a single new stream still fits
	str, err = m.GetOrOpenStream(3)
	require.NoError(t, err)
	require.NotNil(t, str)
	_, err = m.GetOrOpenStream(5)
	require.ErrorAs(t, err, &transportErr)
}

func TestStreamsMapExpeditedClassSeparate(t *testing.T) {
	m := newTestStreamsMap(protocol.PerspectiveResponder, 8)

	// the expedited range fills from its own first ID
	str, err := m.GetOrOpenStream(3 | protocol.ExpeditedStreamFlag)
	require.NoError(t, err)
	require.NotNil(t, str)
	low, err := m.GetOrOpenStream(1 | protocol.ExpeditedStreamFlag)
	require.NoError(t, err)
	require.NotNil(t, low)

	// the normal range is unaffected
	str, err = m.GetOrOpenStream(1)
	require.NoError(t, err)
	require.NotNil(t, str)
	require.Equal(t, protocol.StreamID(1), str.StreamID())
}

func TestStreamsMapOwnStreams(t *testing.T) {
	m := newTestStreamsMap(protocol.PerspectiveInitiator, 8)

	str, err := m.OpenStream(false)
	require.NoError(t, err)
	require.Equal(t, protocol.StreamID(1), str.StreamID())

	// frames referring to our own streams never open peer state
	got, err := m.GetOrOpenStream(1)
	require.NoError(t, err)
	require.Equal(t, str, got)
	gone, err := m.GetOrOpenStream(3)
	require.NoError(t, err)
	require.Nil(t, gone)
}
