// Package signaling implements the duel signaling channel: the per-room
// relay between the two participants, the join verification endpoint, and
// the client-side channel used by the connection manager.
package signaling

import (
	"encoding/json"

	"github.com/Maelsh/dueli-opus-sub002/internal/competition"
)

// SignalType is the kind of connection-negotiation message being relayed.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICE          SignalType = "ice"
	SignalRequestOffer SignalType = "request_offer"
)

// Valid reports whether t is a relayable signal type.
func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICE, SignalRequestOffer:
		return true
	}
	return false
}

// Signal is one negotiation message between the two participants.
// Signals are transient: relayed at most once per send and never stored.
type Signal struct {
	RoomID   string           `json:"roomId"`
	FromRole competition.Role `json:"fromRole"`
	Type     SignalType       `json:"signalType"`
	Payload  json.RawMessage  `json:"payload,omitempty"`
}

// Envelope message kinds on the relay socket.
const (
	EnvelopeJoined     = "joined"
	EnvelopeSignal     = "signal"
	EnvelopePeerJoined = "peer_joined"
	EnvelopePeerLeft   = "peer_left"
	EnvelopeError      = "error"
)

// Envelope is the wire frame exchanged with the relay.
type Envelope struct {
	Type       string           `json:"type"`
	Role       competition.Role `json:"role,omitempty"`
	SignalType SignalType       `json:"signalType,omitempty"`
	SignalData json.RawMessage  `json:"signalData,omitempty"`
	Code       string           `json:"code,omitempty"`
	Message    string           `json:"message,omitempty"`
}

// PeerEventKind distinguishes counterpart lifecycle events.
type PeerEventKind int

const (
	PeerJoined PeerEventKind = iota
	PeerLeft
)

// PeerEvent reports the counterpart joining or leaving the room.
type PeerEvent struct {
	Kind PeerEventKind
	Role competition.Role
}
