package conn

// State is the lifecycle state of a connection
//
//	Disconnected --Connect--> Connecting --handshake ok--> Connected
//	Connected --transport error--> Reconnecting (auto-reconnect) | Disconnected
//	Connected --Quiesce--> Quiescing --drained--> Disconnected
//	Reconnecting --reconnected--> Connected | --exhausted--> Disconnected
//	Disconnected --ReconnectTo--> Reconnecting
//	any --Close--> Closed (terminal)
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Quiescing
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Quiescing:
		return "quiescing"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateListener observes state transitions. It is called while the connection
// holds its lock: it may call State but must not dispatch or change the state.
type StateListener func(from, to State)
