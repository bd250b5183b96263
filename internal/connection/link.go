package connection

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
)

// PeerLink abstracts the underlying peer transport so the lifecycle manager
// can be driven by a fake in tests. The production implementation wraps a
// pion PeerConnection.
type PeerLink interface {
	// CreateOffer produces a local description payload to relay.
	CreateOffer() (json.RawMessage, error)
	// HandleOffer applies a remote offer and produces the answer payload.
	HandleOffer(offer json.RawMessage) (json.RawMessage, error)
	// HandleAnswer applies the remote answer.
	HandleAnswer(answer json.RawMessage) error
	// AddICECandidate applies a relayed candidate.
	AddICECandidate(candidate json.RawMessage) error
	// AddLocalTrack attaches an outgoing track.
	AddLocalTrack(track webrtc.TrackLocal) error
	// ReplaceLocalTrack swaps the outgoing track of the same kind in place
	// on the existing sender, without renegotiation.
	ReplaceLocalTrack(track webrtc.TrackLocal) error
	// OnICECandidate registers the trickle callback.
	OnICECandidate(fn func(json.RawMessage))
	// OnStateChange registers the transport state callback.
	OnStateChange(fn func(LinkState))
	// OnRemoteTrack registers the incoming media callback.
	OnRemoteTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	// Close releases the transport.
	Close() error
}

// LinkFactory builds a fresh PeerLink for each negotiation attempt.
type LinkFactory func() (PeerLink, error)

// PionLink is the production PeerLink over pion/webrtc.
type PionLink struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
}

// NewPionFactory returns a LinkFactory dialing with the given ICE servers.
func NewPionFactory(iceServers []webrtc.ICEServer) LinkFactory {
	return func() (PeerLink, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}
		return &PionLink{
			pc:      pc,
			senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		}, nil
	}
}

// CreateOffer implements PeerLink.
func (l *PionLink) CreateOffer() (json.RawMessage, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return json.Marshal(offer)
}

// HandleOffer implements PeerLink.
func (l *PionLink) HandleOffer(raw json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return nil, fmt.Errorf("invalid offer payload: %w", err)
	}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return json.Marshal(answer)
}

// HandleAnswer implements PeerLink.
func (l *PionLink) HandleAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("invalid answer payload: %w", err)
	}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// AddICECandidate implements PeerLink.
func (l *PionLink) AddICECandidate(raw json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return fmt.Errorf("invalid candidate payload: %w", err)
	}
	return l.pc.AddICECandidate(candidate)
}

// AddLocalTrack implements PeerLink.
func (l *PionLink) AddLocalTrack(track webrtc.TrackLocal) error {
	sender, err := l.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add local track: %w", err)
	}
	l.mu.Lock()
	l.senders[track.Kind()] = sender
	l.mu.Unlock()
	return nil
}

// ReplaceLocalTrack implements PeerLink.
func (l *PionLink) ReplaceLocalTrack(track webrtc.TrackLocal) error {
	l.mu.Lock()
	sender, ok := l.senders[track.Kind()]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no outgoing %s sender to replace", track.Kind())
	}
	return sender.ReplaceTrack(track)
}

// OnICECandidate implements PeerLink.
func (l *PionLink) OnICECandidate(fn func(json.RawMessage)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end-of-candidates marker
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			pkglog.L().Error().Err(err).Msg("failed to marshal ICE candidate")
			return
		}
		fn(data)
	})
}

// OnStateChange implements PeerLink.
func (l *PionLink) OnStateChange(fn func(LinkState)) {
	l.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(mapPionState(state))
	})
}

// OnRemoteTrack implements PeerLink.
func (l *PionLink) OnRemoteTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	l.pc.OnTrack(fn)
}

// Close implements PeerLink.
func (l *PionLink) Close() error {
	return l.pc.Close()
}

func mapPionState(s webrtc.PeerConnectionState) LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return LinkClosed
	default:
		return LinkConnecting
	}
}
