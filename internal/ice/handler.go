package ice

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Maelsh/dueli-opus-sub002/internal/auth"
	"github.com/Maelsh/dueli-opus-sub002/pkg/response"
)

const fallbackSTUN = "stun:stun.l.google.com:19302"

// Server is one entry in the iceServers list handed to clients.
type Server struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config holds the static ICE topology plus the TURN shared secret.
type Config struct {
	STUNURLs      []string      `mapstructure:"stun_urls"`
	TURNURL       string        `mapstructure:"turn_url"`
	TURNSecret    string        `mapstructure:"turn_secret"`
	CredentialTTL time.Duration `mapstructure:"credential_ttl"`
}

// Handler serves GET /api/ice-servers.
type Handler struct {
	cfg           Config
	sessionSecret string
	now           func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(cfg Config, sessionSecret string) *Handler {
	if cfg.CredentialTTL <= 0 {
		cfg.CredentialTTL = DefaultCredentialTTL
	}
	return &Handler{cfg: cfg, sessionSecret: sessionSecret, now: time.Now}
}

// RegisterRoutes attaches the ICE route to a router group.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/ice-servers", auth.RequireSession(h.sessionSecret), h.serveICEServers)
}

func (h *Handler) serveICEServers(c *gin.Context) {
	servers := h.Servers(auth.UserID(c))
	response.Success(c, gin.H{"iceServers": servers})
}

// Servers builds the ICE server list for a user: the configured STUN URLs
// (with a public fallback injected if none are configured) plus one TURN
// entry carrying a freshly minted time-boxed credential.
func (h *Handler) Servers(userID string) []Server {
	var servers []Server

	stun := h.cfg.STUNURLs
	hasSTUN := false
	for _, u := range stun {
		if strings.HasPrefix(u, "stun") {
			hasSTUN = true
			break
		}
	}
	if !hasSTUN {
		stun = append([]string{fallbackSTUN}, stun...)
	}
	servers = append(servers, Server{URLs: stun})

	if h.cfg.TURNURL != "" && h.cfg.TURNSecret != "" {
		cred := TURNCredential(h.cfg.TURNSecret, userID, h.now().Add(h.cfg.CredentialTTL))
		servers = append(servers, Server{
			URLs:       []string{h.cfg.TURNURL},
			Username:   cred.Username,
			Credential: cred.Credential,
		})
	}

	return servers
}
