package client

import "time"

// State is a lifecycle state. Transitions only ever flow through the run
// loop; nothing outside this package changes the state directly.
type State int

const (
	// StateConnecting is the initial state: a transport is being dialed.
	StateConnecting State = iota

	// StateAuthenticating means the transport is up and the credential
	// handshake is in flight.
	StateAuthenticating

	// StateSynchronized means the handshake and the initial snapshot both
	// completed; local edits are accepted.
	StateSynchronized

	// StateDegraded means the lifecycle hit a condition that needs the
	// caller's attention. Reason carries the cause; auth failures are
	// terminal for the attempt and are not retried.
	StateDegraded

	// StateReconnecting means the transport was lost and a backoff delay
	// is running before the next dial.
	StateReconnecting

	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSynchronized:
		return "synchronized"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is one lifecycle transition, emitted on every state change.
type Status struct {
	State State

	// Reason qualifies Degraded ("auth_failed") and transient
	// Synchronized sub-states ("resynchronizing").
	Reason string

	// Attempt and Delay are set while Reconnecting.
	Attempt int
	Delay   time.Duration

	// Err accompanies terminal transitions.
	Err error
}
