package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Maelsh/dueli-opus-sub002/internal/competition"
	"github.com/Maelsh/dueli-opus-sub002/internal/metrics"
	"github.com/Maelsh/dueli-opus-sub002/internal/signaling"
	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
)

var (
	// ErrNoLocalMedia is returned by Connect when no local track has been
	// attached. Negotiating without media would produce a one-way session.
	ErrNoLocalMedia = errors.New("no local media attached")
	// ErrNotFailed is returned by RetryManual outside the failed state.
	ErrNotFailed = errors.New("connection is not in the failed state")
	// ErrTerminated is returned for operations on a closed manager.
	ErrTerminated = errors.New("connection manager is terminated")
)

const (
	// DefaultReconnectMax is the hard cap on automatic reconnect attempts.
	DefaultReconnectMax = 3
	// DefaultReconnectDelay is the pause before each reconnect attempt.
	DefaultReconnectDelay = 2 * time.Second
)

// Config tunes a connection Manager.
type Config struct {
	Role           competition.Role
	ReconnectMax   int
	ReconnectDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectMax == 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	return c
}

// Manager owns one participant's peer-connection lifecycle. It consumes the
// signaling channel, drives the offer/answer handshake for its role, buffers
// remote candidates until a remote description is applied, and reconnects on
// transport loss up to the configured cap. All transitions are reported on
// Events; the consumer must drain it.
type Manager struct {
	cfg     Config
	channel signaling.Channel
	factory LinkFactory

	mu            sync.Mutex
	state         State
	link          PeerLink
	tracks        []webrtc.TrackLocal
	onRemoteTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	pendingICE    []json.RawMessage
	remoteApplied bool
	offered       bool
	attempts      int

	events  chan Event
	linkCh  chan LinkState
	retryCh chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewManager builds a Manager over an established signaling channel. The
// factory is invoked once per negotiation cycle so every reconnect starts
// from a clean transport.
func NewManager(cfg Config, channel signaling.Channel, factory LinkFactory) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		channel: channel,
		factory: factory,
		state:   StateIdle,
		events:  make(chan Event, 32),
		linkCh:  make(chan LinkState, 8),
		retryCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Events delivers lifecycle notifications in transition order.
func (m *Manager) Events() <-chan Event { return m.events }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AddLocalTrack attaches an outgoing track. Tracks added before Connect are
// bound to every negotiation cycle; tracks for an already-established link
// are attached immediately.
func (m *Manager) AddLocalTrack(track webrtc.TrackLocal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = append(m.tracks, track)
	if m.link != nil {
		return m.link.AddLocalTrack(track)
	}
	return nil
}

// OnRemoteTrack registers the callback receiving the counterpart's incoming
// media, rebound automatically on every negotiation cycle so reconnects keep
// delivering. The composited output draws from these tracks.
func (m *Manager) OnRemoteTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	m.mu.Lock()
	m.onRemoteTrack = fn
	link := m.link
	m.mu.Unlock()
	if link != nil {
		link.OnRemoteTrack(fn)
	}
}

// ReplaceLocalTrack swaps the outgoing track of the same kind on the live
// link without renegotiation. Used for mid-session quality changes.
func (m *Manager) ReplaceLocalTrack(track webrtc.TrackLocal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		return ErrNoLocalMedia
	}
	for i, t := range m.tracks {
		if t.Kind() == track.Kind() {
			m.tracks[i] = track
		}
	}
	return m.link.ReplaceLocalTrack(track)
}

// Connect starts the lifecycle. The host offers as soon as the counterpart
// is present; the opponent answers the first offer that arrives.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateTerminated {
		m.mu.Unlock()
		return ErrTerminated
	}
	if len(m.tracks) == 0 {
		m.mu.Unlock()
		return ErrNoLocalMedia
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return errors.New("connect called twice")
	}
	m.setStateLocked(StateNegotiating, nil)
	m.mu.Unlock()

	if err := m.openLink(); err != nil {
		return err
	}
	go m.run(ctx)
	return nil
}

// RetryManual restarts negotiation after the reconnect cap was exceeded.
func (m *Manager) RetryManual() error {
	m.mu.Lock()
	if m.state != StateFailed {
		m.mu.Unlock()
		return ErrNotFailed
	}
	m.attempts = 0
	m.mu.Unlock()
	select {
	case m.retryCh <- struct{}{}:
	default:
	}
	return nil
}

// Close tears the connection down and ends the lifecycle. It is safe to
// call more than once.
func (m *Manager) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		wasConnected := m.state == StateConnected
		m.teardownLocked()
		m.setStateLocked(StateTerminated, nil)
		if wasConnected && m.cfg.Role == competition.RoleHost {
			m.emitLocked(Event{Kind: EventRecordingStop, State: StateTerminated})
		}
		m.mu.Unlock()
		close(m.done)
		m.channel.Close()
	})
	return nil
}

func (m *Manager) run(ctx context.Context) {
	signals := m.channel.Signals()
	peerEvents := m.channel.Events()
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return
		case <-m.done:
			return
		case sig, ok := <-signals:
			if !ok {
				m.onTransportLoss(errors.New("signaling channel closed"))
				return
			}
			m.handleSignal(sig)
		case ev, ok := <-peerEvents:
			if !ok {
				continue
			}
			m.handlePeerEvent(ev)
		case state := <-m.linkCh:
			m.handleLinkState(state)
		case <-m.retryCh:
			m.renegotiate()
		}
	}
}

func (m *Manager) handleSignal(sig signaling.Signal) {
	switch sig.Type {
	case signaling.SignalOffer:
		m.onOffer(sig.Payload)
	case signaling.SignalAnswer:
		m.onAnswer(sig.Payload)
	case signaling.SignalICE:
		m.onICE(sig.Payload)
	case signaling.SignalRequestOffer:
		m.onRequestOffer()
	}
}

func (m *Manager) handlePeerEvent(ev signaling.PeerEvent) {
	switch ev.Kind {
	case signaling.PeerJoined:
		if m.cfg.Role == competition.RoleHost {
			m.sendOffer()
		}
	case signaling.PeerLeft:
		m.onTransportLoss(errors.New("counterpart left the room"))
	}
}

// sendOffer creates and relays an offer exactly once per negotiation cycle.
func (m *Manager) sendOffer() {
	m.mu.Lock()
	if m.link == nil || m.offered {
		m.mu.Unlock()
		return
	}
	m.offered = true
	link := m.link
	m.mu.Unlock()

	offer, err := link.CreateOffer()
	if err != nil {
		pkglog.L().Error().Err(err).Msg("failed to create offer")
		m.onTransportLoss(err)
		return
	}
	if err := m.channel.Send(signaling.SignalOffer, offer); err != nil {
		pkglog.L().Error().Err(err).Msg("failed to relay offer")
	}
}

func (m *Manager) onOffer(payload json.RawMessage) {
	if m.cfg.Role != competition.RoleOpponent {
		return
	}
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return
	}

	answer, err := link.HandleOffer(payload)
	if err != nil {
		pkglog.L().Error().Err(err).Msg("failed to answer offer")
		m.onTransportLoss(err)
		return
	}
	m.drainPendingICE()
	if err := m.channel.Send(signaling.SignalAnswer, answer); err != nil {
		pkglog.L().Error().Err(err).Msg("failed to relay answer")
	}
}

func (m *Manager) onAnswer(payload json.RawMessage) {
	if m.cfg.Role != competition.RoleHost {
		return
	}
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return
	}
	if err := link.HandleAnswer(payload); err != nil {
		pkglog.L().Error().Err(err).Msg("failed to apply answer")
		m.onTransportLoss(err)
		return
	}
	m.drainPendingICE()
}

// onICE buffers candidates until a remote description has been applied,
// preserving arrival order, then feeds them to the link directly.
func (m *Manager) onICE(payload json.RawMessage) {
	m.mu.Lock()
	if !m.remoteApplied || m.link == nil {
		m.pendingICE = append(m.pendingICE, payload)
		m.mu.Unlock()
		return
	}
	link := m.link
	m.mu.Unlock()
	if err := link.AddICECandidate(payload); err != nil {
		pkglog.L().Warn().Err(err).Msg("failed to apply ICE candidate")
	}
}

func (m *Manager) drainPendingICE() {
	m.mu.Lock()
	m.remoteApplied = true
	pending := m.pendingICE
	m.pendingICE = nil
	link := m.link
	m.mu.Unlock()
	for _, candidate := range pending {
		if err := link.AddICECandidate(candidate); err != nil {
			pkglog.L().Warn().Err(err).Msg("failed to apply buffered ICE candidate")
		}
	}
}

// onRequestOffer produces a fresh offer on the live link without tearing
// the session down. The counterpart uses this to recover from a missed
// offer or a one-sided restart.
func (m *Manager) onRequestOffer() {
	if m.cfg.Role != competition.RoleHost {
		return
	}
	m.mu.Lock()
	m.offered = false
	m.remoteApplied = false
	m.mu.Unlock()
	m.sendOffer()
}

func (m *Manager) handleLinkState(state LinkState) {
	switch state {
	case LinkConnected:
		m.onConnected()
	case LinkDisconnected, LinkFailed:
		m.onTransportLoss(errors.New("transport " + state.String()))
	}
}

func (m *Manager) onConnected() {
	m.mu.Lock()
	if m.state == StateTerminated {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.setStateLocked(StateConnected, nil)
	if m.cfg.Role == competition.RoleHost {
		m.emitLocked(Event{Kind: EventRecordingStart, State: StateConnected})
	} else {
		m.emitLocked(Event{Kind: EventViewerReady, State: StateConnected})
	}
	m.mu.Unlock()
	metrics.ConnectionEstablished.Inc()
}

func (m *Manager) onTransportLoss(cause error) {
	m.mu.Lock()
	if m.state == StateTerminated || m.state == StateFailed || m.state == StateReconnecting {
		m.mu.Unlock()
		return
	}
	wasConnected := m.state == StateConnected
	m.setStateLocked(StateDisconnected, cause)
	if wasConnected && m.cfg.Role == competition.RoleHost {
		m.emitLocked(Event{Kind: EventRecordingStop, State: StateDisconnected})
	}
	m.attempts++
	if m.attempts > m.cfg.ReconnectMax {
		m.teardownLocked()
		m.setStateLocked(StateFailed, cause)
		m.emitLocked(Event{Kind: EventManualRetry, State: StateFailed, Err: cause})
		m.mu.Unlock()
		if wasConnected {
			metrics.ConnectionEstablished.Dec()
		}
		return
	}
	m.setStateLocked(StateReconnecting, cause)
	delay := m.cfg.ReconnectDelay
	m.mu.Unlock()
	if wasConnected {
		metrics.ConnectionEstablished.Dec()
	}

	time.AfterFunc(delay, func() {
		select {
		case m.retryCh <- struct{}{}:
		case <-m.done:
		}
	})
}

// renegotiate discards the current link and starts a clean cycle: the host
// re-offers, the opponent asks for a fresh offer.
func (m *Manager) renegotiate() {
	m.mu.Lock()
	if m.state == StateTerminated {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.setStateLocked(StateNegotiating, nil)
	m.mu.Unlock()

	if err := m.openLink(); err != nil {
		m.onTransportLoss(err)
		return
	}
	if m.cfg.Role == competition.RoleHost {
		m.sendOffer()
	} else if err := m.channel.Send(signaling.SignalRequestOffer, nil); err != nil {
		pkglog.L().Error().Err(err).Msg("failed to request offer")
	}
}

// openLink builds a fresh transport, wires its callbacks, and attaches the
// local tracks.
func (m *Manager) openLink() error {
	link, err := m.factory()
	if err != nil {
		return err
	}
	link.OnICECandidate(func(candidate json.RawMessage) {
		if err := m.channel.Send(signaling.SignalICE, candidate); err != nil {
			pkglog.L().Warn().Err(err).Msg("failed to relay ICE candidate")
		}
	})
	link.OnStateChange(func(state LinkState) {
		select {
		case m.linkCh <- state:
		case <-m.done:
		}
	})

	m.mu.Lock()
	m.link = link
	m.offered = false
	m.remoteApplied = false
	m.pendingICE = nil
	tracks := m.tracks
	remoteFn := m.onRemoteTrack
	m.mu.Unlock()

	if remoteFn != nil {
		link.OnRemoteTrack(remoteFn)
	}
	for _, track := range tracks {
		if err := link.AddLocalTrack(track); err != nil {
			return err
		}
	}
	return nil
}

// teardownLocked closes the link and clears all negotiation state. The
// caller holds m.mu.
func (m *Manager) teardownLocked() {
	if m.link != nil {
		if err := m.link.Close(); err != nil {
			pkglog.L().Warn().Err(err).Msg("failed to close peer link")
		}
		m.link = nil
	}
	m.pendingICE = nil
	m.remoteApplied = false
	m.offered = false
}

func (m *Manager) setStateLocked(next State, cause error) {
	if m.state == next {
		return
	}
	pkglog.L().Info().
		Str(pkglog.FieldRole, string(m.cfg.Role)).
		Str(pkglog.FieldState, next.String()).
		Msg("connection state changed")
	m.state = next
	m.emitLocked(Event{Kind: EventStateChanged, State: next, Err: cause})
}

func (m *Manager) emitLocked(ev Event) {
	select {
	case m.events <- ev:
	default:
		pkglog.L().Warn().Msg("dropping lifecycle event, consumer is not draining")
	}
}
