package silk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	allStates := []State{
		StateClosed,
		StateHandshakeInitSent,
		StateHandshakeRespSent,
		StateHandshakeComplete,
		StateEstablished,
		StateRekeying,
		StateMigrating,
		StateDraining,
	}

	allowed := map[State][]State{
		StateClosed:            {StateHandshakeInitSent, StateHandshakeRespSent},
		StateHandshakeInitSent: {StateHandshakeComplete},
		StateHandshakeRespSent: {StateEstablished},
		StateHandshakeComplete: {StateEstablished},
		StateEstablished:       {StateRekeying, StateMigrating, StateDraining},
		StateRekeying:          {StateEstablished, StateMigrating, StateDraining},
		StateMigrating:         {StateEstablished, StateRekeying, StateDraining},
		StateDraining:          {},
	}

	for _, from := range allStates {
		// closing is always permitted
		require.True(t, canTransition(from, StateClosed), "%s -> Closed", from)
		for _, to := range allStates {
			if to == StateClosed {
				continue
			}
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			require.Equal(t, want, canTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStateString(t *testing.T) {
	require.Equal(t, "Closed", StateClosed.String())
	require.Equal(t, "Established", StateEstablished.String())
	require.Equal(t, "Rekeying", StateRekeying.String())
	require.Equal(t, "Draining", StateDraining.String())
	require.Equal(t, "Unknown", State(42).String())
}
