package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image/color"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Maelsh/dueli-opus-sub002/internal/competition"
	"github.com/Maelsh/dueli-opus-sub002/internal/compositor"
	"github.com/Maelsh/dueli-opus-sub002/internal/config"
	"github.com/Maelsh/dueli-opus-sub002/internal/connection"
	"github.com/Maelsh/dueli-opus-sub002/internal/probe"
	"github.com/Maelsh/dueli-opus-sub002/internal/quality"
	"github.com/Maelsh/dueli-opus-sub002/internal/signaling"
	"github.com/Maelsh/dueli-opus-sub002/internal/uploader"
	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
)

func main() {
	roleFlag := flag.String("role", "host", "participant role: host or opponent")
	startIndex := flag.Int("start-index", -1, "first chunk index; -1 asks the media server for its last stored index")
	usePoll := flag.Bool("poll", false, "use HTTP long-polling instead of the socket relay")
	flag.Parse()

	cfg, err := config.LoadPeer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	pkglog.Init(pkglog.Config{Level: cfg.Log.Level, ServiceName: "duelpeer"})
	logger := pkglog.L()

	role := competition.Role(*roleFlag)
	if !role.Valid() {
		logger.Fatal().Str(pkglog.FieldRole, *roleFlag).Msg("role must be host or opponent")
	}
	if cfg.CompetitionID == "" || cfg.SessionToken == "" {
		logger.Fatal().Msg("competition_id and session_token are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Probe the device and pick the starting tier; it only goes down
	// from here.
	results := probe.Run(ctx, probe.Config{UploadURL: cfg.ServerURL + "/api/probe/upload"})
	tier := results.SelectTier()
	selector := quality.NewSelector(tier)
	logger.Info().Str(pkglog.FieldTier, tier.String()).Msg("starting quality selected")

	iceServers, err := fetchICEServers(ctx, cfg.ServerURL, cfg.SessionToken)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to fetch ice servers")
	}

	roomID := competition.RoomID(cfg.CompetitionID)
	channel, err := dialSignaling(cfg, roomID, role, *usePoll)
	if err != nil {
		logger.Fatal().Err(err).Str(pkglog.FieldRoom, roomID).Msg("failed to join signaling room")
	}

	manager := connection.NewManager(connection.Config{Role: role},
		channel, connection.NewPionFactory(iceServers))
	defer manager.Close()

	// The host composites the counterpart's incoming tracks next to its own
	// capture. Feeds arrive over the bridge and stand in as the opponent's
	// sources for the recording loop.
	var oppVideo *compositor.FeedSource
	var oppAudio *compositor.FeedAudioSource
	if role == competition.RoleHost {
		profile := selector.Profile()
		oppVideo = compositor.NewFeedSource()
		oppAudio = compositor.NewFeedAudioSource()
		compositor.BridgeRemote(manager, oppVideo, oppAudio,
			compositor.NewRawDecoderFactory(profile.Width/2, profile.Height))
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "duel")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create video track")
	}
	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "duel")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create audio track")
	}
	if err := manager.AddLocalTrack(videoTrack); err != nil {
		logger.Fatal().Err(err).Msg("failed to attach video track")
	}
	if err := manager.AddLocalTrack(audioTrack); err != nil {
		logger.Fatal().Err(err).Msg("failed to attach audio track")
	}

	if err := manager.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start connection")
	}

	if role == competition.RoleHost {
		runHost(ctx, cfg, selector, manager, *startIndex, oppVideo, oppAudio)
	} else {
		runOpponent(ctx, manager)
	}
}

// runHost reacts to lifecycle events: recording starts when the duel
// connects and the resulting chunks flow through the upload pipeline.
func runHost(ctx context.Context, cfg *config.Peer, selector *quality.Selector,
	manager *connection.Manager, startIndex int,
	oppVideo compositor.FrameSource, oppAudio compositor.AudioSource) {
	logger := pkglog.L()

	var recordingCancel context.CancelFunc
	stopRecording := func() {
		if recordingCancel != nil {
			recordingCancel()
			recordingCancel = nil
		}
	}
	defer stopRecording()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-manager.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case connection.EventRecordingStart:
				if recordingCancel != nil {
					continue
				}
				recCtx, cancel := context.WithCancel(ctx)
				recordingCancel = cancel
				go record(recCtx, cfg, selector, startIndex, oppVideo, oppAudio)
			case connection.EventRecordingStop:
				stopRecording()
			case connection.EventManualRetry:
				logger.Error().Err(ev.Err).Msg("connection failed, manual retry required")
				return
			case connection.EventStateChanged:
				if ev.State == connection.StateTerminated {
					return
				}
			}
		}
	}
}

// record runs the compositor and uploader until the context is canceled.
// With spool_dir configured, an external encoder owns segmentation and the
// spool watcher feeds the uploads instead.
func record(ctx context.Context, cfg *config.Peer, selector *quality.Selector, startIndex int,
	oppVideo compositor.FrameSource, oppAudio compositor.AudioSource) {
	logger := pkglog.L()
	if startIndex < 0 {
		last, err := uploader.LatestIndex(ctx, cfg.MediaURL, cfg.CompetitionID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to query last stored chunk, starting from 0")
			last = -1
		}
		startIndex = last + 1
	}
	registrar := uploader.NewHTTPKeyRegistrar(cfg.ServerURL, cfg.SessionToken)
	up := uploader.New(uploader.Config{UploadURL: cfg.MediaURL + "/api/chunks/upload"},
		registrar, selector)

	// The recording context stops the producers only. The uploader keeps a
	// live context so the queue and the in-flight POST drain after a
	// graceful stop instead of being aborted mid-chunk.
	uploadCtx := context.WithoutCancel(ctx)

	if cfg.SpoolDir != "" {
		watcher, err := compositor.NewSpoolWatcher(cfg.CompetitionID, cfg.SpoolDir, "video/webm", startIndex)
		if err != nil {
			logger.Error().Err(err).Msg("failed to watch spool directory")
			return
		}
		go func() {
			<-ctx.Done()
			watcher.Close()
		}()
		if err := up.Run(uploadCtx, watcher.Chunks()); err != nil {
			logger.Error().Err(err).Msg("upload pipeline stopped")
		}
		return
	}

	// The host half comes from local capture; a test pattern stands in until
	// real capture is wired. The opponent half is fed by the track bridge.
	profile := selector.Profile()
	seg := compositor.NewSegmenter(
		compositor.Config{CompetitionID: cfg.CompetitionID, StartIndex: startIndex},
		selector, compositor.NewRawEncoderFactory(),
		compositor.NewTestPatternSource(profile.Width/2, profile.Height, color.RGBA{R: 30, G: 30, B: 60, A: 255}),
		oppVideo,
		compositor.NewToneSource(0, 0), oppAudio)

	go func() {
		if err := seg.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("segmenter stopped")
		}
	}()
	if err := up.Run(uploadCtx, seg.Chunks()); err != nil {
		logger.Error().Err(err).Msg("upload pipeline stopped")
	}
}

// runOpponent waits for the duel to end; its media flows peer to peer once
// connected.
func runOpponent(ctx context.Context, manager *connection.Manager) {
	logger := pkglog.L()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-manager.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case connection.EventViewerReady:
				logger.Info().Msg("duel connected")
			case connection.EventManualRetry:
				logger.Error().Err(ev.Err).Msg("connection failed, manual retry required")
				return
			case connection.EventStateChanged:
				if ev.State == connection.StateTerminated {
					return
				}
			}
		}
	}
}

func dialSignaling(cfg *config.Peer, roomID string, role competition.Role, poll bool) (signaling.Channel, error) {
	if poll {
		return signaling.DialPoll(cfg.ServerURL, roomID, role, cfg.SessionToken)
	}
	wsBase := strings.Replace(cfg.ServerURL, "http", "ws", 1)
	wsURL := fmt.Sprintf("%s/ws/signal/%s?role=%s&token=%s",
		wsBase, roomID, role, url.QueryEscape(cfg.SessionToken))
	return signaling.DialWS(wsURL, roomID, role)
}

type iceServersResponse struct {
	Success bool `json:"success"`
	Data    struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	} `json:"data"`
}

func fetchICEServers(ctx context.Context, serverURL, token string) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/api/ice-servers", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ice server request returned status %d", resp.StatusCode)
	}

	var parsed iceServersResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	servers := make([]webrtc.ICEServer, 0, len(parsed.Data.ICEServers))
	for _, s := range parsed.Data.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return servers, nil
}
