// Package connection drives the peer-connection lifecycle for one duel
// participant: the offer/answer handshake over the signaling channel,
// candidate buffering, reconnection with a hard attempt cap, and teardown.
package connection

// State of the peer connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// EventKind classifies lifecycle events emitted by the manager.
type EventKind int

const (
	// EventStateChanged reports a state machine transition.
	EventStateChanged EventKind = iota
	// EventRecordingStart tells the host side to start the compositor.
	EventRecordingStart
	// EventRecordingStop tells the host side to stop and drain recording.
	EventRecordingStop
	// EventViewerReady tells the opponent side the remote feed is playable.
	EventViewerReady
	// EventManualRetry reports that the reconnect cap was exceeded and
	// recovery now requires explicit user action.
	EventManualRetry
)

// Event is a typed lifecycle notification. Transitions emit events instead
// of mutating ambient state.
type Event struct {
	Kind  EventKind
	State State
	Err   error
}

// LinkState is the transport-level connection state reported by the link.
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}
