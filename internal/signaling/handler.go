package signaling

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Maelsh/dueli-opus-sub002/internal/competition"
	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
	"github.com/Maelsh/dueli-opus-sub002/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by the router's CORS middleware.
		return true
	},
}

// Handler exposes the relay endpoints: the WebSocket transport, the HTTP
// long-poll fallback transport, and the signaling-verify endpoint.
type Handler struct {
	hub      *Hub
	verifier *Verifier
}

// NewHandler creates a Handler.
func NewHandler(hub *Hub, verifier *Verifier) *Handler {
	return &Handler{hub: hub, verifier: verifier}
}

// RegisterRoutes attaches the signaling routes.
func (h *Handler) RegisterRoutes(router *gin.Engine, api *gin.RouterGroup) {
	router.GET("/ws/signal/:roomId", h.handleWebSocket)

	api.POST("/signaling/verify", h.handleVerify)

	// Degraded-mode polling transport; same relay semantics as the socket.
	api.POST("/signal/:roomId/join", h.handlePollJoin)
	api.GET("/signal/:roomId/poll", h.handlePoll)
	api.POST("/signal/:roomId/send", h.handlePollSend)
	api.DELETE("/signal/:roomId/leave", h.handlePollLeave)
}

// competitionIDFromRoom strips the room key prefix.
func competitionIDFromRoom(roomID string) string {
	return strings.TrimPrefix(roomID, "comp_")
}

func verifyStatus(code string) int {
	switch code {
	case CodeInvalidSession:
		return http.StatusUnauthorized
	case CodeCompetitionNotFound, CodeCompetitionNotActive:
		return http.StatusNotFound
	default:
		return http.StatusForbidden
	}
}

func (h *Handler) verifyJoin(c *gin.Context, roomID, token string, claimedRole competition.Role) (*VerifyResult, bool) {
	result, err := h.verifier.Verify(c.Request.Context(), token, competitionIDFromRoom(roomID), claimedRole)
	if err != nil {
		if ve, ok := err.(*VerifyError); ok {
			response.Error(c, verifyStatus(ve.Code), ve.Code, "signaling verification failed")
			return nil, false
		}
		response.InternalError(c, "failed to verify session")
		return nil, false
	}
	return result, true
}

func (h *Handler) handleWebSocket(c *gin.Context) {
	roomID := c.Param("roomId")
	role := competition.Role(c.Query("role"))
	token := c.Query("token")

	result, ok := h.verifyJoin(c, roomID, token, role)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		pkglog.L().Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	peer, err := h.hub.Join(c.Request.Context(), roomID, result.Role, result.UserID, TransportWebSocket)
	if err != nil {
		data, _ := json.Marshal(Envelope{Type: EnvelopeError, Code: "role_taken", Message: err.Error()})
		conn.WriteMessage(websocket.TextMessage, data)
		conn.Close()
		return
	}

	go h.hub.writePump(peer, conn)
	go h.hub.readPump(peer, conn)
}

type verifyRequest struct {
	SessionToken  string `json:"sessionToken" binding:"required"`
	CompetitionID string `json:"competitionId" binding:"required"`
	ClaimedRole   string `json:"claimedRole"`
}

func (h *Handler) handleVerify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "sessionToken and competitionId are required")
		return
	}

	result, err := h.verifier.Verify(c.Request.Context(), req.SessionToken, req.CompetitionID, competition.Role(req.ClaimedRole))
	if err != nil {
		if ve, ok := err.(*VerifyError); ok {
			response.Error(c, verifyStatus(ve.Code), ve.Code, "signaling verification failed")
			return
		}
		response.InternalError(c, "failed to verify session")
		return
	}

	response.Success(c, gin.H{
		"valid":  true,
		"role":   result.Role,
		"userId": result.UserID,
	})
}

type pollJoinRequest struct {
	Role  string `json:"role" binding:"required"`
	Token string `json:"token" binding:"required"`
}

func (h *Handler) handlePollJoin(c *gin.Context) {
	roomID := c.Param("roomId")

	var req pollJoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "role and token are required")
		return
	}

	result, ok := h.verifyJoin(c, roomID, req.Token, competition.Role(req.Role))
	if !ok {
		return
	}

	peer, err := h.hub.Join(c.Request.Context(), roomID, result.Role, result.UserID, TransportPoll)
	if err != nil {
		response.Error(c, http.StatusConflict, "role_taken", err.Error())
		return
	}

	response.Created(c, gin.H{"peerId": peer.ID})
}

// handlePoll drains queued envelopes for a poll peer, waiting up to waitMs
// for the first one. Per-peer delivery order is the channel order.
func (h *Handler) handlePoll(c *gin.Context) {
	peer := h.pollPeer(c)
	if peer == nil {
		return
	}
	peer.touch()

	wait := 20 * time.Second
	if ms, err := strconv.Atoi(c.Query("waitMs")); err == nil && ms >= 0 {
		wait = time.Duration(ms) * time.Millisecond
	}

	var envelopes []json.RawMessage
	timer := time.NewTimer(wait)
	defer timer.Stop()

	// Block for the first frame, then drain whatever else is ready.
	select {
	case data, ok := <-peer.Send:
		if !ok {
			response.Success(c, gin.H{"messages": envelopes, "closed": true})
			return
		}
		envelopes = append(envelopes, data)
	case <-timer.C:
		response.Success(c, gin.H{"messages": envelopes})
		return
	case <-c.Request.Context().Done():
		return
	}

	for {
		select {
		case data, ok := <-peer.Send:
			if !ok {
				response.Success(c, gin.H{"messages": envelopes, "closed": true})
				return
			}
			envelopes = append(envelopes, data)
		default:
			response.Success(c, gin.H{"messages": envelopes})
			return
		}
	}
}

type pollSendRequest struct {
	PeerID     string          `json:"peerId" binding:"required"`
	SignalType SignalType      `json:"signalType" binding:"required"`
	SignalData json.RawMessage `json:"signalData"`
}

func (h *Handler) handlePollSend(c *gin.Context) {
	var req pollSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "peerId and signalType are required")
		return
	}

	peer := h.pollPeerByID(c, req.PeerID)
	if peer == nil {
		return
	}
	peer.touch()

	h.hub.Forward(peer, req.SignalType, req.SignalData)
	response.Success(c, gin.H{"relayed": true})
}

func (h *Handler) handlePollLeave(c *gin.Context) {
	peer := h.pollPeer(c)
	if peer == nil {
		return
	}
	h.hub.Leave(peer)
	response.Success(c, gin.H{"left": true})
}

func (h *Handler) pollPeer(c *gin.Context) *Peer {
	return h.pollPeerByID(c, c.Query("peerId"))
}

func (h *Handler) pollPeerByID(c *gin.Context, peerID string) *Peer {
	roomID := c.Param("roomId")
	for _, role := range []competition.Role{competition.RoleHost, competition.RoleOpponent} {
		if p := h.hub.lookupPeer(roomID, role); p != nil && p.ID == peerID {
			if p.Transport != TransportPoll {
				response.BadRequest(c, "peer is not on the polling transport")
				return nil
			}
			return p
		}
	}
	response.NotFound(c, "peer not found in room")
	return nil
}
