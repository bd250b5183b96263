package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Maelsh/dueli-opus-sub002/internal/competition"
	"github.com/Maelsh/dueli-opus-sub002/internal/metrics"
	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
)

// ErrRoleTaken is returned when a peer joins a room whose role is occupied.
var ErrRoleTaken = errors.New("role already connected in this room")

const (
	sendBufferSize = 64
	peerSetTTL     = 24 * time.Hour
	pollIdleLimit  = 30 * time.Second
)

// SocketConfig holds the relay's WebSocket tuning.
type SocketConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
}

// DefaultSocketConfig returns the standard pump timings.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

// Transport names for a joined peer.
const (
	TransportWebSocket = "ws"
	TransportPoll      = "poll"
)

// Peer is one participant attached to the relay, by either transport.
type Peer struct {
	ID        string
	RoomID    string
	Role      competition.Role
	UserID    string
	Transport string
	Send      chan []byte

	hub       *Hub
	closeOnce sync.Once

	mu       sync.Mutex
	closed   bool
	lastSeen time.Time
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *Peer) idleSince() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastSeen)
}

// sendEnvelope queues an envelope, dropping it if the peer's buffer is full
// or the peer has already left. Relay delivery is at-most-once per send.
func (p *Peer) sendEnvelope(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		pkglog.L().Error().Err(err).Msg("failed to marshal envelope")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.Send <- data:
	default:
		pkglog.L().Warn().
			Str(pkglog.FieldPeer, p.ID).
			Str(pkglog.FieldRoom, p.RoomID).
			Msg("peer send buffer full, dropping message")
	}
}

// closeSend closes the peer's send channel under the same lock sendEnvelope
// takes, so an in-flight relay drops instead of sending on a closed channel.
func (p *Peer) closeSend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.Send)
}

type room struct {
	id    string
	mu    sync.RWMutex
	peers map[competition.Role]*Peer
}

// Hub tracks the active duel rooms and relays signals between the two roles.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*room
	cfg   SocketConfig

	// Optional peer-set bookkeeping shared with other relay instances.
	redis *redis.Client
}

// NewHub creates a Hub. redisClient may be nil for single-instance use.
func NewHub(cfg SocketConfig, redisClient *redis.Client) *Hub {
	if cfg.PingInterval <= 0 {
		cfg = DefaultSocketConfig()
	}
	return &Hub{
		rooms: make(map[string]*room),
		cfg:   cfg,
		redis: redisClient,
	}
}

// Run sweeps idle poll peers until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(pollIdleLimit / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepIdlePollPeers()
		}
	}
}

// Join attaches a verified peer to a room. Exactly one peer per role: a second
// join for an occupied role is rejected.
func (h *Hub) Join(ctx context.Context, roomID string, role competition.Role, userID, transport string) (*Peer, error) {
	peer := &Peer{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Role:      role,
		UserID:    userID,
		Transport: transport,
		Send:      make(chan []byte, sendBufferSize),
		hub:       h,
		lastSeen:  time.Now(),
	}

	// Room creation and membership changes happen under h.mu so a
	// concurrent Leave cannot tear the room down mid-join.
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{id: roomID, peers: make(map[competition.Role]*Peer)}
		h.rooms[roomID] = r
	}
	r.mu.Lock()
	if _, occupied := r.peers[role]; occupied {
		r.mu.Unlock()
		h.mu.Unlock()
		return nil, ErrRoleTaken
	}
	r.peers[role] = peer
	counterpart := r.peers[oppositeRole(role)]
	r.mu.Unlock()
	h.mu.Unlock()

	if h.redis != nil {
		key := "room:" + roomID + ":peers"
		h.redis.SAdd(ctx, key, peer.ID)
		h.redis.Expire(ctx, key, peerSetTTL)
	}

	metrics.PeersConnected.Inc()
	pkglog.L().Info().
		Str(pkglog.FieldRoom, roomID).
		Str(pkglog.FieldRole, string(role)).
		Str(pkglog.FieldPeer, peer.ID).
		Str("transport", transport).
		Msg("peer joined room")

	peer.sendEnvelope(Envelope{Type: EnvelopeJoined, Role: role})
	if counterpart != nil {
		counterpart.sendEnvelope(Envelope{Type: EnvelopePeerJoined, Role: role})
		peer.sendEnvelope(Envelope{Type: EnvelopePeerJoined, Role: counterpart.Role})
	}

	return peer, nil
}

// Leave detaches a peer, notifies the counterpart, and tears the room down
// once it is empty. Safe to call more than once.
func (h *Hub) Leave(peer *Peer) {
	peer.closeOnce.Do(func() {
		var counterpart *Peer

		h.mu.Lock()
		if r, ok := h.rooms[peer.RoomID]; ok {
			r.mu.Lock()
			if r.peers[peer.Role] == peer {
				delete(r.peers, peer.Role)
			}
			counterpart = r.peers[oppositeRole(peer.Role)]
			if len(r.peers) == 0 {
				delete(h.rooms, peer.RoomID)
			}
			r.mu.Unlock()
		}
		h.mu.Unlock()

		if h.redis != nil {
			h.redis.SRem(context.Background(), "room:"+peer.RoomID+":peers", peer.ID)
		}

		peer.closeSend()
		metrics.PeersConnected.Dec()
		pkglog.L().Info().
			Str(pkglog.FieldRoom, peer.RoomID).
			Str(pkglog.FieldRole, string(peer.Role)).
			Msg("peer left room")

		if counterpart != nil {
			counterpart.sendEnvelope(Envelope{Type: EnvelopePeerLeft, Role: peer.Role})
		}
	})
}

// Forward relays a signal from the sending peer to the opposite role.
// Ordering is not guaranteed by the transport; the connection state machine
// on the receiving side tolerates reordering.
func (h *Hub) Forward(from *Peer, sigType SignalType, data json.RawMessage) {
	if !sigType.Valid() {
		pkglog.L().Warn().
			Str("signal_type", string(sigType)).
			Str(pkglog.FieldRoom, from.RoomID).
			Msg("dropping unknown signal type")
		return
	}

	h.mu.RLock()
	r, ok := h.rooms[from.RoomID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.RLock()
	target := r.peers[oppositeRole(from.Role)]
	r.mu.RUnlock()
	if target == nil {
		pkglog.L().Debug().
			Str(pkglog.FieldRoom, from.RoomID).
			Str("signal_type", string(sigType)).
			Msg("no counterpart, signal dropped")
		return
	}

	metrics.SignalsRelayed.WithLabelValues(string(sigType)).Inc()
	target.sendEnvelope(Envelope{
		Type:       EnvelopeSignal,
		Role:       from.Role,
		SignalType: sigType,
		SignalData: data,
	})
}

// lookupPeer finds an attached peer by room and role.
func (h *Hub) lookupPeer(roomID string, role competition.Role) *Peer {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[role]
}

func (h *Hub) sweepIdlePollPeers() {
	h.mu.RLock()
	var stale []*Peer
	for _, r := range h.rooms {
		r.mu.RLock()
		for _, p := range r.peers {
			if p.Transport == TransportPoll && p.idleSince() > pollIdleLimit {
				stale = append(stale, p)
			}
		}
		r.mu.RUnlock()
	}
	h.mu.RUnlock()

	for _, p := range stale {
		h.Leave(p)
	}
}

func oppositeRole(r competition.Role) competition.Role {
	if r == competition.RoleHost {
		return competition.RoleOpponent
	}
	return competition.RoleHost
}
