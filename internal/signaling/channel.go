package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Maelsh/dueli-opus-sub002/internal/competition"
	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
)

// ErrChannelClosed is returned by Send after Close.
var ErrChannelClosed = errors.New("signaling channel closed")

// Channel is the client side of the signaling relay. Both the WebSocket
// implementation and the degraded-mode polling implementation provide the
// same per-peer ordering: signals surface on Signals() in receipt order.
type Channel interface {
	// Send relays a signal to the counterpart.
	Send(sigType SignalType, payload json.RawMessage) error
	// Signals delivers counterpart signals in receipt order.
	Signals() <-chan Signal
	// Events delivers counterpart lifecycle events.
	Events() <-chan PeerEvent
	// Close tears the channel down; Signals and Events are closed.
	Close() error
}

// WSChannel is the WebSocket Channel implementation.
type WSChannel struct {
	conn    *websocket.Conn
	roomID  string
	role    competition.Role
	signals chan Signal
	events  chan PeerEvent

	mu     sync.Mutex
	closed bool
}

// DialWS connects to the relay's WebSocket endpoint and joins the room.
// url is the full endpoint including role and token query parameters.
func DialWS(url, roomID string, role competition.Role) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signaling relay: %w", err)
	}

	ch := &WSChannel{
		conn:    conn,
		roomID:  roomID,
		role:    role,
		signals: make(chan Signal, 32),
		events:  make(chan PeerEvent, 8),
	}
	go ch.readLoop()
	return ch, nil
}

func (ch *WSChannel) readLoop() {
	defer func() {
		close(ch.signals)
		close(ch.events)
	}()

	for {
		_, message, err := ch.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			pkglog.L().Warn().Err(err).Msg("invalid frame from relay")
			continue
		}
		ch.dispatch(env)
	}
}

func (ch *WSChannel) dispatch(env Envelope) {
	switch env.Type {
	case EnvelopeSignal:
		ch.signals <- Signal{
			RoomID:   ch.roomID,
			FromRole: env.Role,
			Type:     env.SignalType,
			Payload:  env.SignalData,
		}
	case EnvelopePeerJoined:
		ch.events <- PeerEvent{Kind: PeerJoined, Role: env.Role}
	case EnvelopePeerLeft:
		ch.events <- PeerEvent{Kind: PeerLeft, Role: env.Role}
	case EnvelopeError:
		pkglog.L().Error().Str("code", env.Code).Str("message", env.Message).Msg("relay error")
	}
}

// Send relays a signal to the counterpart.
func (ch *WSChannel) Send(sigType SignalType, payload json.RawMessage) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return ErrChannelClosed
	}

	data, err := json.Marshal(Envelope{
		Type:       EnvelopeSignal,
		Role:       ch.role,
		SignalType: sigType,
		SignalData: payload,
	})
	if err != nil {
		return err
	}
	return ch.conn.WriteMessage(websocket.TextMessage, data)
}

// Signals implements Channel.
func (ch *WSChannel) Signals() <-chan Signal { return ch.signals }

// Events implements Channel.
func (ch *WSChannel) Events() <-chan PeerEvent { return ch.events }

// Close implements Channel.
func (ch *WSChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil
	}
	ch.closed = true
	return ch.conn.Close()
}
