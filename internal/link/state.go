// Package link keeps the device's network link up. A [Supervisor]
// owns the connection state machine, asks a [Driver] to (re)connect
// whenever the link drops, and releases a one-shot readiness gate the
// first time an address is acquired. A [Watcher] turns periodic
// address probes into the driver events the supervisor consumes.
//
// Reconnects are unconditional and unbounded: the agent has nothing
// useful to do without a link, so it never gives up.
package link

// State is the link connection state.
type State int

// Link states.
const (
	Disconnected State = iota
	Connecting
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

// Event is an input to the state machine reported by the link driver.
type Event int

// Link driver events.
const (
	// EventStart is raised when link bring-up is requested.
	EventStart Event = iota
	// EventAddressAcquired is raised when the interface obtains an
	// address and can carry traffic.
	EventAddressAcquired
	// EventDisconnected is raised when the link is lost, or is still
	// down after a connect attempt.
	EventDisconnected
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventAddressAcquired:
		return "address_acquired"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Action is the side effect a transition asks the supervisor to run.
type Action int

// Transition side effects.
const (
	ActionNone Action = iota
	// ActionConnect asks the driver for one connect attempt.
	ActionConnect
	// ActionReady marks the link usable.
	ActionReady
)

// Next is the pure transition function of the link state machine. It
// never moves to Connected without an address-acquired event, and
// answers every disconnect with exactly one connect action.
func Next(s State, e Event) (State, Action) {
	switch e {
	case EventStart:
		if s == Disconnected {
			return Connecting, ActionConnect
		}
		return s, ActionNone
	case EventAddressAcquired:
		if s == Connected {
			return Connected, ActionNone
		}
		return Connected, ActionReady
	case EventDisconnected:
		return Connecting, ActionConnect
	default:
		return s, ActionNone
	}
}
