package session

// State is the connection state of an AccountSession.
//
// Transitions: Disconnected -> Connecting -> Connected -> Disconnecting -> Disconnected.
// A failure reported by the protocol client while Connecting or Connected
// moves straight to Disconnected.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}
