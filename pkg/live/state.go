package live

// ConnectionState is the lifecycle state of a [Client].
//
//	Idle → Connecting → Open → Closing → Closed
//
// A Closed client may Connect again. Reconnection is always explicit.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

// String returns the lower-case state name.
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
