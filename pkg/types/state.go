package types

// State is the lifecycle state of an entity relative to a session.
type State int

// Lifecycle states.
const (
	// Transient entities were constructed by the caller and are not tracked.
	Transient State = iota
	// Managed entities are tracked by exactly one open session.
	Managed
	// Detached entities were managed once; they keep their identity but
	// their mutations are no longer observed.
	Detached
	// Removed entities are scheduled for deletion on the next commit.
	Removed
)

var stateNames = map[State]string{
	Transient: "transient",
	Managed:   "managed",
	Detached:  "detached",
	Removed:   "removed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// TxState is the transaction state of a session.
type TxState int

// Transaction states.
const (
	TxNone TxState = iota
	TxActive
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxNone:
		return "none"
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}
