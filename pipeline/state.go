package pipeline

import "fmt"

// State is the authoritative pipeline lifecycle state. Exactly one
// instance exists per pipeline, owned by the Session; everything else
// observes it read-only.
type State int

const (
	// StateStopped is the initial and final resting state.
	StateStopped State = iota
	// StateStarting covers device and sink opening.
	StateStarting
	// StateRunning is normal operation.
	StateRunning
	// StateDegraded is running under sustained resource pressure or
	// during device recovery.
	StateDegraded
	// StateStopping covers cooperative shutdown of the stage goroutines.
	StateStopping
	// StateFailed is terminal until an explicit Reset: configuration
	// errors at start or device errors that exhausted their retries.
	StateFailed
)

// String returns the state name used in logs and events.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// validTransition reports whether the state machine allows from→to.
//
// Stop requests and unrecoverable errors are allowed from any live
// state, which the table expresses directly rather than special-casing.
func validTransition(from, to State) bool {
	switch from {
	case StateStopped:
		return to == StateStarting
	case StateStarting:
		return to == StateRunning || to == StateStopping || to == StateFailed
	case StateRunning:
		return to == StateDegraded || to == StateStopping || to == StateFailed
	case StateDegraded:
		return to == StateRunning || to == StateStopping || to == StateFailed
	case StateStopping:
		return to == StateStopped || to == StateFailed
	case StateFailed:
		return to == StateStopped // explicit reset only
	default:
		return false
	}
}
