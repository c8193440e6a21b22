package transport

// State is the lifecycle position of one BLE connection. Transitions are
// owned by the Bridge; the platform-facing operations consult the current
// state before issuing provider calls so stale GATT handles are never
// touched.
type State int

const (
	// StateIdle is the initial state: no link, no handles.
	StateIdle State = iota

	// StateConnecting covers a submitted provider connect awaiting result.
	StateConnecting

	// StateDiscovering covers endpoint discovery on an established link.
	StateDiscovering

	// StateReady permits send and subscribe traffic.
	StateReady

	// StateClosing covers a requested disconnect awaiting completion.
	StateClosing

	// StateClosed is terminal after a clean disconnect.
	StateClosed

	// StateError is terminal after any fatal transport failure.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "invalid"
	}
}

// Terminal reports whether the connection reached an end state. Handles and
// endpoints are released atomically with the transition into a terminal
// state; provider events arriving afterwards are discarded.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}
