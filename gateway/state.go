package gateway

import "fmt"

// State is the lifecycle state of a [Manager]'s connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentifying
	StateResuming
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateIdentifying:
		return "IDENTIFYING"
	case StateResuming:
		return "RESUMING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// allowedTransitions lists, for each state, the states it may move to.
// Anything may move to CLOSING or DISCONNECTED.
var allowedTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateIdentifying, StateResuming},
	StateIdentifying:  {StateConnected, StateResuming, StateConnecting},
	StateResuming:     {StateConnected, StateConnecting},
	StateConnected:    {StateResuming, StateConnecting},
	StateClosing:      {},
}

// canTransition reports whether moving from one state to another is
// allowed. Staying in the same state is not a transition.
func canTransition(from, to State) bool {
	if from == to {
		return false
	}
	if from == StateClosing {
		return to == StateDisconnected
	}
	if to == StateClosing || to == StateDisconnected {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
