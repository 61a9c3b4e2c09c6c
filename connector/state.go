package connector

import "time"

// ConnectionState represents the lifecycle of a Connector.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected
	Connecting                          // Connect attempts in progress
	Connected                           // Connected to the peer
	Closed                              // Closed and must not be used further
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The remote address (e.g. "host:port")
	Timestamp time.Time       // When the state change occurred
	Error     error           // Non-nil if the state change was due to an error
}

// ConnectionStateHandler is called when the connection state changes.
// Handlers are invoked from goroutines; implementations must be safe for concurrent use.
type ConnectionStateHandler func(event ConnectionStateEvent)
