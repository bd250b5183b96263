package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Maelsh/dueli-opus-sub002/internal/competition"
	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
)

// PollChannel is the degraded-mode Channel implementation over HTTP long
// polling. It satisfies the same ordering guarantees as the socket: the relay
// queues per-peer frames in order and the poll loop drains them in order.
type PollChannel struct {
	baseURL string
	roomID  string
	role    competition.Role
	peerID  string
	client  *http.Client

	signals chan Signal
	events  chan PeerEvent

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

type pollEnvelopeBatch struct {
	Data struct {
		Messages []json.RawMessage `json:"messages"`
		Closed   bool              `json:"closed"`
	} `json:"data"`
}

// DialPoll joins the room over the polling transport. baseURL is the server
// root, e.g. "https://dueli.example.com".
func DialPoll(baseURL, roomID string, role competition.Role, token string) (*PollChannel, error) {
	client := &http.Client{Timeout: 30 * time.Second}

	body, _ := json.Marshal(map[string]string{"role": string(role), "token": token})
	resp, err := client.Post(
		fmt.Sprintf("%s/api/signal/%s/join", baseURL, roomID),
		"application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to join room over poll transport: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("poll join rejected with status %d", resp.StatusCode)
	}

	var joined struct {
		Data struct {
			PeerID string `json:"peerId"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&joined); err != nil {
		return nil, fmt.Errorf("failed to decode join response: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := &PollChannel{
		baseURL: baseURL,
		roomID:  roomID,
		role:    role,
		peerID:  joined.Data.PeerID,
		client:  client,
		signals: make(chan Signal, 32),
		events:  make(chan PeerEvent, 8),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go ch.pollLoop(ctx)
	return ch, nil
}

func (ch *PollChannel) pollLoop(ctx context.Context) {
	defer func() {
		close(ch.signals)
		close(ch.events)
		close(ch.done)
	}()

	url := fmt.Sprintf("%s/api/signal/%s/poll?peerId=%s&waitMs=20000", ch.baseURL, ch.roomID, ch.peerID)
	for {
		if ctx.Err() != nil {
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return
		}
		resp, err := ch.client.Do(req)
		if err != nil {
			// Transient failure: keep polling on the same cadence.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		var batch pollEnvelopeBatch
		decodeErr := json.NewDecoder(resp.Body).Decode(&batch)
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return // peer expired server-side
		}
		if decodeErr != nil {
			pkglog.L().Warn().Err(decodeErr).Msg("invalid poll batch")
			continue
		}

		for _, raw := range batch.Data.Messages {
			var env Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				continue
			}
			ch.dispatch(env)
		}
		if batch.Data.Closed {
			return
		}
	}
}

func (ch *PollChannel) dispatch(env Envelope) {
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
	}
}

// Send relays a signal to the counterpart.
func (ch *PollChannel) Send(sigType SignalType, payload json.RawMessage) error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	body, err := json.Marshal(pollSendRequest{
		PeerID:     ch.peerID,
		SignalType: sigType,
		SignalData: payload,
	})
	if err != nil {
		return err
	}

	resp, err := ch.client.Post(
		fmt.Sprintf("%s/api/signal/%s/send", ch.baseURL, ch.roomID),
		"application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to send signal: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signal send rejected with status %d", resp.StatusCode)
	}
	return nil
}

// Signals implements Channel.
func (ch *PollChannel) Signals() <-chan Signal { return ch.signals }

// Events implements Channel.
func (ch *PollChannel) Events() <-chan PeerEvent { return ch.events }

// Close implements Channel.
func (ch *PollChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.mu.Unlock()

	req, _ := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/api/signal/%s/leave?peerId=%s", ch.baseURL, ch.roomID, ch.peerID), nil)
	if resp, err := ch.client.Do(req); err == nil {
		resp.Body.Close()
	}

	ch.cancel()
	<-ch.done
	return nil
}
