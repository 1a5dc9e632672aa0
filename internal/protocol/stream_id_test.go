package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamIDInitiatedBy(t *testing.T) {
	require.Equal(t, PerspectiveInitiator, StreamID(1).InitiatedBy())
	require.Equal(t, PerspectiveInitiator, StreamID(3).InitiatedBy())
	require.Equal(t, PerspectiveResponder, StreamID(2).InitiatedBy())
	require.Equal(t, PerspectiveResponder, StreamID(4).InitiatedBy())
	// the priority bit doesn't change ownership
	require.Equal(t, PerspectiveInitiator, (StreamID(1) | ExpeditedStreamFlag).InitiatedBy())
	require.Equal(t, PerspectiveResponder, (StreamID(2) | ExpeditedStreamFlag).InitiatedBy())
}

func TestStreamIDIsExpedited(t *testing.T) {
	require.False(t, StreamID(1).IsExpedited())
	require.False(t, StreamID(0x7fff).IsExpedited())
	require.True(t, StreamID(0x8001).IsExpedited())
	require.True(t, (StreamID(2) | ExpeditedStreamFlag).IsExpedited())
}

func TestFirstOutgoingStreamID(t *testing.T) {
	require.Equal(t, StreamID(1), FirstOutgoingStreamID(PerspectiveInitiator))
	require.Equal(t, StreamID(2), FirstOutgoingStreamID(PerspectiveResponder))
}

func TestStreamNum(t *testing.T) {
	require.Equal(t, uint16(1), StreamID(1).StreamNum())
	require.Equal(t, uint16(2), StreamID(3).StreamNum())
	require.Equal(t, uint16(1), StreamID(2).StreamNum())
	require.Equal(t, uint16(2), StreamID(4).StreamNum())
	// ordinals restart in the expedited range
	require.Equal(t, uint16(1), StreamID(0x8001).StreamNum())
	require.Equal(t, uint16(1), StreamID(0x8002).StreamNum())
}
