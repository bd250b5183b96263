// Package probe measures the device before a duel starts: raw CPU
// throughput, offscreen render rate, and upstream bandwidth. The results
// pick the starting quality tier; the tier only moves down from there.
package probe

import (
	"bytes"
	"context"
	"crypto/rand"
	"image"
	"image/color"
	"net/http"
	"time"

	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
)

const (
	// DefaultCPUWindow is the busy-loop measurement window.
	DefaultCPUWindow = 500 * time.Millisecond
	// DefaultRenderWindow is the offscreen render measurement window.
	DefaultRenderWindow = time.Second
	// DefaultUploadBytes is the upload probe payload size.
	DefaultUploadBytes = 256 << 10
	// ConservativeUploadKbps is assumed when the upload probe fails. It
	// maps to the low tier so a flaky probe never starts a session the
	// link cannot carry.
	ConservativeUploadKbps = 800
)

// Config tunes the probe windows and the upload target.
type Config struct {
	CPUWindow    time.Duration
	RenderWindow time.Duration
	// UploadURL receives the throughput probe POST. Empty skips the
	// upload probe and assumes the conservative default.
	UploadURL   string
	UploadBytes int
	Client      *http.Client
}

func (c Config) withDefaults() Config {
	if c.CPUWindow == 0 {
		c.CPUWindow = DefaultCPUWindow
	}
	if c.RenderWindow == 0 {
		c.RenderWindow = DefaultRenderWindow
	}
	if c.UploadBytes == 0 {
		c.UploadBytes = DefaultUploadBytes
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 15 * time.Second}
	}
	return c
}

// Results holds the raw probe measurements.
type Results struct {
	// CPUScore is busy-loop iterations per millisecond, in thousands.
	CPUScore int
	// RenderFPS is offscreen 1280x720 frames rendered per second.
	RenderFPS int
	// UploadKbps is the measured upstream throughput.
	UploadKbps int
}

// Run executes all three probes. A failed upload probe is not an error:
// the conservative default applies and the session starts lower.
func Run(ctx context.Context, cfg Config) Results {
	cfg = cfg.withDefaults()
	res := Results{
		CPUScore:   cpuProbe(ctx, cfg.CPUWindow),
		RenderFPS:  renderProbe(ctx, cfg.RenderWindow),
		UploadKbps: uploadProbe(ctx, cfg),
	}
	pkglog.L().Info().
		Int("cpu_score", res.CPUScore).
		Int("render_fps", res.RenderFPS).
		Int("upload_kbps", res.UploadKbps).
		Msg("device probe complete")
	return res
}

// cpuProbe spins an arithmetic loop for the window and scores iterations
// per millisecond in thousands.
func cpuProbe(ctx context.Context, window time.Duration) int {
	started := time.Now()
	deadline := started.Add(window)
	var iterations int64
	x := uint64(0x9E3779B9)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		for i := 0; i < 10_000; i++ {
			x ^= x << 13
			x ^= x >> 7
			x ^= x << 17
		}
		iterations += 10_000
	}
	_ = x
	// Score over the time actually spent looping: cancellation cuts the
	// window short and must not deflate the throughput figure.
	ms := time.Since(started).Milliseconds()
	if ms == 0 {
		return 0
	}
	return int(iterations / ms / 1000)
}

// renderProbe renders animated offscreen 720p frames for the window and
// returns the achieved frame rate.
func renderProbe(ctx context.Context, window time.Duration) int {
	canvas := image.NewRGBA(image.Rect(0, 0, 1280, 720))
	started := time.Now()
	deadline := started.Add(window)
	frames := 0
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		shade := uint8(frames * 7)
		fill := color.RGBA{R: shade, G: 255 - shade, B: shade / 2, A: 255}
		for y := 0; y < 720; y++ {
			row := canvas.Pix[y*canvas.Stride : y*canvas.Stride+1280*4]
			for x := 0; x < 1280*4; x += 4 {
				row[x] = fill.R
				row[x+1] = fill.G
				row[x+2] = fill.B
				row[x+3] = fill.A
			}
		}
		frames++
	}
	seconds := time.Since(started).Seconds()
	if seconds == 0 {
		return 0
	}
	return int(float64(frames) / seconds)
}

// uploadProbe POSTs a random payload and derives kilobits per second.
func uploadProbe(ctx context.Context, cfg Config) int {
	if cfg.UploadURL == "" {
		return ConservativeUploadKbps
	}
	payload := make([]byte, cfg.UploadBytes)
	if _, err := rand.Read(payload); err != nil {
		return ConservativeUploadKbps
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.UploadURL, bytes.NewReader(payload))
	if err != nil {
		return ConservativeUploadKbps
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	started := time.Now()
	resp, err := cfg.Client.Do(req)
	if err != nil {
		pkglog.L().Warn().Err(err).Msg("upload probe failed, assuming conservative bandwidth")
		return ConservativeUploadKbps
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		pkglog.L().Warn().Int("status", resp.StatusCode).
			Msg("upload probe rejected, assuming conservative bandwidth")
		return ConservativeUploadKbps
	}
	elapsed := time.Since(started)
	if elapsed <= 0 {
		return ConservativeUploadKbps
	}
	bits := float64(cfg.UploadBytes) * 8
	return int(bits / elapsed.Seconds() / 1000)
}
