package session

import "fmt"

// State is a connection's lifecycle stage.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// transitions lists the legal moves. Disconnected is terminal.
var transitions = map[State][]State{
	StateConnecting:    {StateAuthenticated, StateDisconnected},
	StateAuthenticated: {StateActive, StateDisconnected},
	StateActive:        {StateDisconnected},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
