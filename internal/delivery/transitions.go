package delivery

import "fmt"

var transitions = map[State][]State{
	StateScheduled: {StateSending, StateFailed, StateCancelled},
	StateSending:   {StateSent, StateScheduled, StateFailed},
	StateSent:      {StateDelivered, StateRead, StateFailed},
	StateDelivered: {StateRead},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// stage orders provider-reported progress so that later stages win.
func stage(s State) int {
	switch s {
	case StateSent:
		return 1
	case StateDelivered:
		return 2
	case StateRead:
		return 3
	}
	return 0
}
