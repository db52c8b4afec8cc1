package store

// State is the lifecycle state of a Store.
type State int32

const (
	// StateInit is the state between New and the first Tasks after Init.
	StateInit State = iota

	// StateReady means the store has converged on an image.
	StateReady

	// StateError means a page operation failed. It is terminal.
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
