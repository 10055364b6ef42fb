package session

// State is the connection state of a Session.
type State int32

const (
	// Disconnected means no socket is open and the registry is empty.
	Disconnected State = iota
	// Connecting means the handshake is in progress.
	Connecting
	// Connected means the handshake completed and the registry mirrors the
	// server.
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}
