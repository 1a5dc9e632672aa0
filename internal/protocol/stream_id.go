package protocol

// A StreamID identifies one byte stream inside a session.
type StreamID uint16

// ExpeditedStreamFlag marks the stream ID range drained with priority by the framer.
const ExpeditedStreamFlag StreamID = 0x8000

// InitiatedBy says if the stream was opened by the connection initiator or the responder.
func (s StreamID) InitiatedBy() Perspective {
	if s%2 == 1 {
		return PerspectiveInitiator
	}
	return PerspectiveResponder
}

// IsExpedited says if the stream belongs to the expedited priority range.
func (s StreamID) IsExpedited() bool {
	return s&ExpeditedStreamFlag != 0
}

// FirstOutgoingStreamID is the lowest stream ID a peer with the given
// perspective may open.
func FirstOutgoingStreamID(p Perspective) StreamID {
	if p == PerspectiveInitiator {
		return 1
	}
	return 2
}

// StreamNum returns the ordinal of the stream among the streams opened by the
// same peer in the same priority range, starting at 1.
func (s StreamID) StreamNum() uint16 {
	return uint16(s&^ExpeditedStreamFlag+1) / 2
}
