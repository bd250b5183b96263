package signaling

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
)

// readPump reads relay frames from a WebSocket peer until the connection
// drops, forwarding signal envelopes to the counterpart.
func (h *Hub) readPump(peer *Peer, conn *websocket.Conn) {
	defer func() {
		h.Leave(peer)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				pkglog.L().Warn().Err(err).Str(pkglog.FieldPeer, peer.ID).Msg("websocket read error")
			}
			return
		}
		peer.touch()

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			pkglog.L().Warn().Err(err).Str(pkglog.FieldPeer, peer.ID).Msg("invalid relay frame")
			continue
		}
		if env.Type != EnvelopeSignal {
			continue
		}
		h.Forward(peer, env.SignalType, env.SignalData)
	}
}

// writePump drains the peer's send channel into the WebSocket, pinging on
// the configured interval.
func (h *Hub) writePump(peer *Peer, conn *websocket.Conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-peer.Send:
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				pkglog.L().Warn().Err(err).Str(pkglog.FieldPeer, peer.ID).Msg("websocket write error")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
