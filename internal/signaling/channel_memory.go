package signaling

import (
	"encoding/json"
	"sync"

	"github.com/Maelsh/dueli-opus-sub002/internal/competition"
)

// MemoryChannel is an in-process Channel joining two endpoints directly,
// used to drive the connection state machine without a relay.
type MemoryChannel struct {
	roomID  string
	role    competition.Role
	peer    *MemoryChannel
	signals chan Signal
	events  chan PeerEvent

	mu     sync.Mutex
	closed bool
}

// NewMemoryPair returns two connected channels, host end first.
func NewMemoryPair(roomID string) (*MemoryChannel, *MemoryChannel) {
	host := &MemoryChannel{
		roomID:  roomID,
		role:    competition.RoleHost,
		signals: make(chan Signal, 32),
		events:  make(chan PeerEvent, 8),
	}
	opp := &MemoryChannel{
		roomID:  roomID,
		role:    competition.RoleOpponent,
		signals: make(chan Signal, 32),
		events:  make(chan PeerEvent, 8),
	}
	host.peer = opp
	opp.peer = host

	host.events <- PeerEvent{Kind: PeerJoined, Role: competition.RoleOpponent}
	opp.events <- PeerEvent{Kind: PeerJoined, Role: competition.RoleHost}
	return host, opp
}

// Send implements Channel.
func (ch *MemoryChannel) Send(sigType SignalType, payload json.RawMessage) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrChannelClosed
	}
	ch.mu.Unlock()

	ch.peer.mu.Lock()
	defer ch.peer.mu.Unlock()
	if ch.peer.closed {
		return nil // counterpart gone; at-most-once semantics drop the signal
	}
	ch.peer.signals <- Signal{RoomID: ch.roomID, FromRole: ch.role, Type: sigType, Payload: payload}
	return nil
}

// Signals implements Channel.
func (ch *MemoryChannel) Signals() <-chan Signal { return ch.signals }

// Events implements Channel.
func (ch *MemoryChannel) Events() <-chan PeerEvent { return ch.events }

// Close implements Channel.
func (ch *MemoryChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	close(ch.signals)
	close(ch.events)
	ch.mu.Unlock()

	ch.peer.mu.Lock()
	defer ch.peer.mu.Unlock()
	if !ch.peer.closed {
		ch.peer.events <- PeerEvent{Kind: PeerLeft, Role: ch.role}
	}
	return nil
}
