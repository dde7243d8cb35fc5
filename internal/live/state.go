package live

// State is the lifecycle state of a [Session].
type State int32

const (
	// Idle is the initial state. Nothing is acquired.
	Idle State = iota

	// Connecting means the transport handshake and microphone acquisition
	// are in progress.
	Connecting

	// Active means audio is flowing in both directions.
	Active

	// Closing means resources are being released after a stop request or a
	// remote close.
	Closing

	// Closed is terminal: the session ended normally.
	Closed

	// Error is terminal: the session ended because of a failure. See
	// [Session.Err].
	Error
)

var stateNames = [...]string{
	Idle:       "idle",
	Connecting: "connecting",
	Active:     "active",
	Closing:    "closing",
	Closed:     "closed",
	Error:      "error",
}

// String returns the lower-case state name used in logs and metrics.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Label returns the short status text shown to a user.
func (s State) Label() string {
	switch s {
	case Idle:
		return "Standby"
	case Connecting:
		return "Connecting"
	case Active:
		return "Listening"
	case Closing, Closed:
		return "Closed"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool { return s == Closed || s == Error }
