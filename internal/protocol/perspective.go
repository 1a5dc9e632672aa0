package protocol

// Perspective determines if we're acting as the handshake initiator or responder.
type Perspective int

const (
	// PerspectiveInitiator is the peer that starts the handshake.
	PerspectiveInitiator Perspective = 1
	// PerspectiveResponder is the peer that answers it.
	PerspectiveResponder Perspective = 2
)

// Opposite returns the perspective of the peer.
func (p Perspective) Opposite() Perspective {
	return 3 - p
}

func (p Perspective) String() string {
	switch p {
	case PerspectiveInitiator:
		return "initiator"
	case PerspectiveResponder:
		return "responder"
	default:
		return "invalid perspective"
	}
}
