// Package relay contains the relay registry, the safety policy and the
// state core that serializes every hardware access.
package relay

import "time"

// Kind classifies a relay for safety policy counting.
type Kind string

const (
	KindValve Kind = "valve"
	KindPump  Kind = "pump"
)

// State is the known state of a relay output.
type State int

const (
	StateOff State = iota
	StateOn
	// StateUnknown follows a failed or timed-out pin operation and lasts
	// until the next successful read.
	StateUnknown
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateOn:
		return "on"
	default:
		return "unknown"
	}
}

func stateOf(on bool) State {
	if on {
		return StateOn
	}
	return StateOff
}

// Relay is a named output circuit.
type Relay struct {
	Name string
	Pin  int
	Kind Kind
}

// Status is the state of one relay as committed by the core.
type Status struct {
	Relay string
	State State
}

// Event describes a change of a relay's state, as last read or written.
type Event struct {
	Timestamp time.Time
	Relay     string
	Kind      Kind
	State     State
	Previous  State
	// Username is the informational name supplied by the client, if any.
	Username string
}
