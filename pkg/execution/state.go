package execution

// State is the lifecycle state of a pending order. Transitions only move
// forward; terminal states absorb every later event.
type State string

const (
	StatePending   State = "PENDING"
	StateFilled    State = "FILLED"
	StateCancelled State = "CANCELLED"
	StateFailed    State = "FAILED"
	StateClosed    State = "CLOSED"
)

var transitions = map[State]map[State]bool{
	StatePending: {
		StateFilled:    true,
		StateCancelled: true,
		StateFailed:    true,
	},
	StateFilled: {
		StateClosed: true,
	},
}

// canTransition reports whether from→to is a legal forward transition.
func canTransition(from, to State) bool {
	return transitions[from][to]
}

// Terminal reports whether no transition leads out of s toward a new order
// action. FILLED still admits the bookkeeping move to CLOSED.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateFailed || s == StateClosed
}
