package chat

import "fmt"

// State is the lifecycle position of one turn.
type State int

const (
	StateIdle State = iota
	StateAwaitingResponse
	StateStreaming
	StateFinalized
	StateErrored
	StateCancelled
)

var stateNames = map[State]string{
	StateIdle:             "idle",
	StateAwaitingResponse: "awaiting_response",
	StateStreaming:        "streaming",
	StateFinalized:        "finalized",
	StateErrored:          "errored",
	StateCancelled:        "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateErrored || s == StateCancelled
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// canTransition lists the allowed edges of the turn state machine.
func canTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateAwaitingResponse
	case StateAwaitingResponse:
		return to == StateStreaming || to == StateFinalized || to == StateErrored || to == StateCancelled
	case StateStreaming:
		return to == StateFinalized || to == StateErrored || to == StateCancelled
	default:
		return false
	}
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown turn state %q", text)
}
