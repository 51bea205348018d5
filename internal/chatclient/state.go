package chatclient

// State is the lifecycle stage of a Client's socket.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	// StateClosedClean follows a local Disconnect or a normal close. No
	// reconnect is scheduled.
	StateClosedClean
	// StateClosedError follows any other close. A reconnect is scheduled.
	StateClosedError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedClean:
		return "closed_clean"
	case StateClosedError:
		return "closed_error"
	default:
		return "unknown"
	}
}
