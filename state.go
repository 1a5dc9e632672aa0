package silk

// A State is a session state.
type State uint8

const (
	// StateClosed is the terminal state. Also the state before a handshake
	// was started.
	StateClosed State = iota
	// StateHandshakeInitSent: the initiator sent message 1.
	StateHandshakeInitSent
	// StateHandshakeRespSent: the responder answered with message 2.
	StateHandshakeRespSent
	// StateHandshakeComplete: the initiator finished the exchange and holds
	// keys, but no post-handshake packet was confirmed yet.
	StateHandshakeComplete
	// StateEstablished: stream data flows.
	StateEstablished
	// StateRekeying: a DH ratchet is in flight. Data continues under the
	// outgoing keys until the new set is confirmed.
	StateRekeying
	// StateMigrating: a path challenge is outstanding for an address change.
	StateMigrating
	// StateDraining: a close was sent or received, waits out in-flight
	// packets before releasing state.
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateHandshakeInitSent:
		return "HandshakeInitSent"
	case StateHandshakeRespSent:
		return "HandshakeRespSent"
	case StateHandshakeComplete:
		return "HandshakeComplete"
	case StateEstablished:
		return "Established"
	case StateRekeying:
		return "Rekeying"
	case StateMigrating:
		return "Migrating"
	case StateDraining:
		return "Draining"
	default:
		return "Unknown"
	}
}

// stateTransitions is the exhaustive allow-table. Closing is permitted from
// every state and is not listed.
var stateTransitions = map[State][]State{
	StateClosed:            {StateHandshakeInitSent, StateHandshakeRespSent},
	StateHandshakeInitSent: {StateHandshakeComplete},
	StateHandshakeRespSent: {StateEstablished},
	StateHandshakeComplete: {StateEstablished},
	StateEstablished:       {StateRekeying, StateMigrating, StateDraining},
	StateRekeying:          {StateEstablished, StateMigrating, StateDraining},
	StateMigrating:         {StateEstablished, StateRekeying, StateDraining},
	StateDraining:          {},
}

// canTransition says if moving from one state to another is allowed.
func canTransition(from, to State) bool {
	if to == StateClosed {
		return true
	}
	for _, s := range stateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
