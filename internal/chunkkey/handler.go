package chunkkey

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/Maelsh/dueli-opus-sub002/internal/auth"
	"github.com/Maelsh/dueli-opus-sub002/internal/metrics"
	"github.com/Maelsh/dueli-opus-sub002/pkg/response"
)

// Handler exposes the chunk key endpoints.
//
// Register is called by the authenticated host before each upload; verify and
// revoke are called by the external media server only, enforced by an
// origin allow list.
type Handler struct {
	authority      *Authority
	sessionSecret  string
	allowedOrigins map[string]bool
}

// NewHandler creates a Handler. mediaServerOrigins is the allow list for
// verify/revoke callers.
func NewHandler(authority *Authority, sessionSecret string, mediaServerOrigins []string) *Handler {
	allowed := make(map[string]bool, len(mediaServerOrigins))
	for _, o := range mediaServerOrigins {
		allowed[o] = true
	}
	return &Handler{
		authority:      authority,
		sessionSecret:  sessionSecret,
		allowedOrigins: allowed,
	}
}

// RegisterRoutes attaches the chunk key routes to a router group.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/chunks/register", auth.RequireSession(h.sessionSecret), h.register)
	api.GET("/chunks/verify", h.requireMediaServer, h.verify)
	api.DELETE("/chunks/:key", h.requireMediaServer, h.revoke)
}

// requireMediaServer rejects verify/revoke calls from any origin outside the
// allow list, regardless of key validity.
func (h *Handler) requireMediaServer(c *gin.Context) {
	origin := c.GetHeader("Origin")
	if origin == "" {
		origin = c.GetHeader("X-Media-Server-Origin")
	}
	if !h.allowedOrigins[origin] {
		response.Forbidden(c, "origin not allowed")
		c.Abort()
		return
	}
	c.Next()
}

type registerRequest struct {
	CompetitionID string `json:"competitionId" binding:"required"`
	ChunkIndex    *int   `json:"chunkIndex" binding:"required"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "competitionId and chunkIndex are required")
		return
	}

	key, err := h.authority.Register(c.Request.Context(), req.CompetitionID, *req.ChunkIndex, auth.UserID(c))
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "competition not found or not live")
		return
	case errors.Is(err, ErrForbidden):
		response.Forbidden(c, "only the host may register chunk keys")
		return
	case err != nil:
		response.InternalError(c, "failed to register chunk key")
		return
	}

	metrics.ChunkKeysIssued.Inc()
	response.Created(c, gin.H{"chunkKey": key})
}

func (h *Handler) verify(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		response.BadRequest(c, "key is required")
		return
	}

	rec, err := h.authority.Verify(c.Request.Context(), key)
	if errors.Is(err, ErrInvalidKey) {
		response.Success(c, gin.H{"valid": false})
		return
	}
	if err != nil {
		response.InternalError(c, "failed to verify chunk key")
		return
	}

	response.Success(c, gin.H{
		"valid":         true,
		"competitionId": rec.CompetitionID,
		"chunkIndex":    rec.ChunkIndex,
	})
}

func (h *Handler) revoke(c *gin.Context) {
	deleted, err := h.authority.Revoke(c.Request.Context(), c.Param("key"))
	if err != nil {
		response.InternalError(c, "failed to revoke chunk key")
		return
	}
	response.Success(c, gin.H{"deleted": deleted})
}
