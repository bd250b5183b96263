package connection

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Maelsh/dueli-opus-sub002/internal/competition"
	"github.com/Maelsh/dueli-opus-sub002/internal/signaling"
)

// fakeLink records calls and lets tests drive transport state transitions.
type fakeLink struct {
	mu       sync.Mutex
	calls    []string
	stateFn  func(LinkState)
	remoteFn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	closed   bool
}

func (f *fakeLink) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeLink) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeLink) CreateOffer() (json.RawMessage, error) {
	f.record("create_offer")
	return json.RawMessage(`{"type":"offer","sdp":"v=0"}`), nil
}

func (f *fakeLink) HandleOffer(json.RawMessage) (json.RawMessage, error) {
	f.record("handle_offer")
	return json.RawMessage(`{"type":"answer","sdp":"v=0"}`), nil
}

func (f *fakeLink) HandleAnswer(json.RawMessage) error {
	f.record("handle_answer")
	return nil
}

func (f *fakeLink) AddICECandidate(raw json.RawMessage) error {
	f.record("ice:" + string(raw))
	return nil
}

func (f *fakeLink) AddLocalTrack(track webrtc.TrackLocal) error {
	f.record("add_track")
	return nil
}

func (f *fakeLink) ReplaceLocalTrack(track webrtc.TrackLocal) error {
	f.record("replace_track")
	return nil
}

func (f *fakeLink) OnICECandidate(fn func(json.RawMessage)) {}

func (f *fakeLink) OnStateChange(fn func(LinkState)) {
	f.mu.Lock()
	f.stateFn = fn
	f.mu.Unlock()
}

func (f *fakeLink) OnRemoteTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	f.remoteFn = fn
	f.mu.Unlock()
}

func (f *fakeLink) remoteBound() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteFn != nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) fireState(s LinkState) {
	f.mu.Lock()
	fn := f.stateFn
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// fakeFactory hands out fakeLinks and remembers every link it built.
type fakeFactory struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (ff *fakeFactory) build() (PeerLink, error) {
	link := &fakeLink{}
	ff.mu.Lock()
	ff.links = append(ff.links, link)
	ff.mu.Unlock()
	return link, nil
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.links)
}

func (ff *fakeFactory) latest() *fakeLink {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.links) == 0 {
		return nil
	}
	return ff.links[len(ff.links)-1]
}

func testTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "duel")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	return track
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func waitSignal(t *testing.T, signals <-chan signaling.Signal, sigType signaling.SignalType) signaling.Signal {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case sig := <-signals:
			if sig.Type == sigType {
				return sig
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s signal", sigType)
		}
	}
}

func TestConnectRequiresLocalMedia(t *testing.T) {
	hostCh, _ := signaling.NewMemoryPair("comp_a1")
	m := NewManager(Config{Role: competition.RoleHost}, hostCh, (&fakeFactory{}).build)
	if err := m.Connect(context.Background()); err != ErrNoLocalMedia {
		t.Fatalf("Connect without media = %v, want ErrNoLocalMedia", err)
	}
}

func TestHandshakeBothReachConnected(t *testing.T) {
	hostCh, oppCh := signaling.NewMemoryPair("comp_a1")
	hostFactory := &fakeFactory{}
	oppFactory := &fakeFactory{}

	host := NewManager(Config{Role: competition.RoleHost}, hostCh, hostFactory.build)
	opp := NewManager(Config{Role: competition.RoleOpponent}, oppCh, oppFactory.build)
	defer host.Close()
	defer opp.Close()

	if err := host.AddLocalTrack(testTrack(t)); err != nil {
		t.Fatalf("host AddLocalTrack: %v", err)
	}
	if err := opp.AddLocalTrack(testTrack(t)); err != nil {
		t.Fatalf("opp AddLocalTrack: %v", err)
	}
	if err := opp.Connect(context.Background()); err != nil {
		t.Fatalf("opp Connect: %v", err)
	}
	if err := host.Connect(context.Background()); err != nil {
		t.Fatalf("host Connect: %v", err)
	}

	// Host offers on counterpart presence; opponent answers; host applies.
	deadline := time.After(2 * time.Second)
	for {
		link := hostFactory.latest()
		if link != nil {
			done := false
			for _, call := range link.Calls() {
				if call == "handle_answer" {
					done = true
				}
			}
			if done {
				break
			}
		}
		select {
		case <-deadline:
			t.Fatal("host never applied the answer")
		case <-time.After(10 * time.Millisecond):
		}
	}

	hostFactory.latest().fireState(LinkConnected)
	oppFactory.latest().fireState(LinkConnected)

	waitEvent(t, host.Events(), EventRecordingStart)
	waitEvent(t, opp.Events(), EventViewerReady)

	if host.State() != StateConnected {
		t.Fatalf("host state = %s, want connected", host.State())
	}
	if opp.State() != StateConnected {
		t.Fatalf("opp state = %s, want connected", opp.State())
	}
}

func TestICEBufferedUntilRemoteDescription(t *testing.T) {
	hostCh, oppCh := signaling.NewMemoryPair("comp_a1")
	factory := &fakeFactory{}

	opp := NewManager(Config{Role: competition.RoleOpponent}, oppCh, factory.build)
	defer opp.Close()
	if err := opp.AddLocalTrack(testTrack(t)); err != nil {
		t.Fatalf("AddLocalTrack: %v", err)
	}
	if err := opp.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Candidates arrive before the offer: they must be held, then applied
	// in arrival order once the remote description lands.
	hostCh.Send(signaling.SignalICE, json.RawMessage(`{"candidate":"c1"}`))
	hostCh.Send(signaling.SignalICE, json.RawMessage(`{"candidate":"c2"}`))
	hostCh.Send(signaling.SignalOffer, json.RawMessage(`{"type":"offer","sdp":"v=0"}`))

	waitSignal(t, hostCh.Signals(), signaling.SignalAnswer)

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 3 {
		got = nil
		for _, call := range factory.latest().Calls() {
			if call == "handle_offer" || call == `ice:{"candidate":"c1"}` || call == `ice:{"candidate":"c2"}` {
				got = append(got, call)
			}
		}
		select {
		case <-deadline:
			t.Fatalf("candidate drain never completed, calls = %v", factory.latest().Calls())
		case <-time.After(5 * time.Millisecond):
		}
	}

	want := []string{"handle_offer", `ice:{"candidate":"c1"}`, `ice:{"candidate":"c2"}`}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call order = %v, want %v", got, want)
		}
	}
}

func TestReconnectCapThenManualRetry(t *testing.T) {
	hostCh, oppCh := signaling.NewMemoryPair("comp_a1")
	factory := &fakeFactory{}

	host := NewManager(Config{
		Role:           competition.RoleHost,
		ReconnectMax:   2,
		ReconnectDelay: 5 * time.Millisecond,
	}, hostCh, factory.build)
	defer host.Close()

	if err := host.AddLocalTrack(testTrack(t)); err != nil {
		t.Fatalf("AddLocalTrack: %v", err)
	}
	if err := host.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitSignal(t, oppCh.Signals(), signaling.SignalOffer)
	factory.latest().fireState(LinkConnected)
	waitEvent(t, host.Events(), EventRecordingStart)

	// Two automatic attempts are allowed; the third loss trips the cap.
	for i := 0; i < 2; i++ {
		factory.latest().fireState(LinkFailed)
		waitSignal(t, oppCh.Signals(), signaling.SignalOffer)
	}
	factory.latest().fireState(LinkFailed)

	waitEvent(t, host.Events(), EventManualRetry)
	if host.State() != StateFailed {
		t.Fatalf("state after cap = %s, want failed", host.State())
	}
	if got := factory.count(); got != 3 {
		t.Fatalf("links built = %d, want 3", got)
	}

	// Manual retry resets the budget and starts a clean cycle.
	if err := host.RetryManual(); err != nil {
		t.Fatalf("RetryManual: %v", err)
	}
	waitSignal(t, oppCh.Signals(), signaling.SignalOffer)
	if got := factory.count(); got != 4 {
		t.Fatalf("links after retry = %d, want 4", got)
	}
}

func TestRetryManualOutsideFailedState(t *testing.T) {
	hostCh, _ := signaling.NewMemoryPair("comp_a1")
	m := NewManager(Config{Role: competition.RoleHost}, hostCh, (&fakeFactory{}).build)
	if err := m.RetryManual(); err != ErrNotFailed {
		t.Fatalf("RetryManual = %v, want ErrNotFailed", err)
	}
}

func TestRequestOfferReusesLiveLink(t *testing.T) {
	hostCh, oppCh := signaling.NewMemoryPair("comp_a1")
	factory := &fakeFactory{}

	host := NewManager(Config{Role: competition.RoleHost}, hostCh, factory.build)
	defer host.Close()
	if err := host.AddLocalTrack(testTrack(t)); err != nil {
		t.Fatalf("AddLocalTrack: %v", err)
	}
	if err := host.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitSignal(t, oppCh.Signals(), signaling.SignalOffer)

	// A fresh offer must come from the same link, not a rebuilt one.
	oppCh.Send(signaling.SignalRequestOffer, nil)
	waitSignal(t, oppCh.Signals(), signaling.SignalOffer)

	if got := factory.count(); got != 1 {
		t.Fatalf("links built = %d, want 1", got)
	}
}

func TestRemoteTrackCallbackReboundOnReconnect(t *testing.T) {
	hostCh, oppCh := signaling.NewMemoryPair("comp_a1")
	factory := &fakeFactory{}

	host := NewManager(Config{
		Role:           competition.RoleHost,
		ReconnectMax:   2,
		ReconnectDelay: 5 * time.Millisecond,
	}, hostCh, factory.build)
	defer host.Close()

	host.OnRemoteTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})
	if err := host.AddLocalTrack(testTrack(t)); err != nil {
		t.Fatalf("AddLocalTrack: %v", err)
	}
	if err := host.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitSignal(t, oppCh.Signals(), signaling.SignalOffer)

	first := factory.latest()
	if !first.remoteBound() {
		t.Fatal("first link has no remote track callback")
	}

	// Transport loss rebuilds the link; incoming media must keep flowing
	// through the same callback on the new one.
	first.fireState(LinkFailed)
	waitSignal(t, oppCh.Signals(), signaling.SignalOffer)

	second := factory.latest()
	if second == first {
		t.Fatal("reconnect reused the failed link")
	}
	if !second.remoteBound() {
		t.Fatal("rebuilt link has no remote track callback")
	}
}

func TestRemoteTrackCallbackAppliesToLiveLink(t *testing.T) {
	hostCh, oppCh := signaling.NewMemoryPair("comp_a1")
	factory := &fakeFactory{}

	host := NewManager(Config{Role: competition.RoleHost}, hostCh, factory.build)
	defer host.Close()
	if err := host.AddLocalTrack(testTrack(t)); err != nil {
		t.Fatalf("AddLocalTrack: %v", err)
	}
	if err := host.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitSignal(t, oppCh.Signals(), signaling.SignalOffer)

	// Registering after negotiation started still lands on the open link.
	host.OnRemoteTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})
	if !factory.latest().remoteBound() {
		t.Fatal("live link has no remote track callback")
	}
}

func TestReplaceTrackWithoutRenegotiation(t *testing.T) {
	hostCh, oppCh := signaling.NewMemoryPair("comp_a1")
	factory := &fakeFactory{}

	host := NewManager(Config{Role: competition.RoleHost}, hostCh, factory.build)
	defer host.Close()
	if err := host.AddLocalTrack(testTrack(t)); err != nil {
		t.Fatalf("AddLocalTrack: %v", err)
	}
	if err := host.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitSignal(t, oppCh.Signals(), signaling.SignalOffer)

	if err := host.ReplaceLocalTrack(testTrack(t)); err != nil {
		t.Fatalf("ReplaceLocalTrack: %v", err)
	}

	replaced := false
	for _, call := range factory.latest().Calls() {
		if call == "replace_track" {
			replaced = true
		}
		if call == "create_offer" && replaced {
			t.Fatal("replace triggered a renegotiation offer")
		}
	}
	if !replaced {
		t.Fatalf("replace_track not observed, calls = %v", factory.latest().Calls())
	}
}
