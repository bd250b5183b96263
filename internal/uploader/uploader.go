package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Maelsh/dueli-opus-sub002/internal/compositor"
	"github.com/Maelsh/dueli-opus-sub002/internal/metrics"
	"github.com/Maelsh/dueli-opus-sub002/internal/quality"
	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
)

const (
	// DefaultQueueCap bounds the number of chunks waiting behind the
	// in-flight upload.
	DefaultQueueCap = 3
	// MinChunkBytes rejects truncated segments.
	MinChunkBytes = 1 << 10
	// MaxChunkBytes rejects runaway segments.
	MaxChunkBytes = 50 << 20
)

// Drop reasons reported on the chunk drop counter.
const (
	DropTooSmall      = "too_small"
	DropTooLarge      = "too_large"
	DropBadMime       = "bad_mime"
	DropQueueOverflow = "queue_overflow"
	DropUploadFailed  = "upload_failed"
	DropKeyRejected   = "key_rejected"
)

// Config tunes an Uploader.
type Config struct {
	// UploadURL receives the multipart chunk POST.
	UploadURL string
	QueueCap  int
	// Timeout bounds one upload attempt.
	Timeout time.Duration
	// SlowThreshold overrides the latency above which an upload counts as
	// slow. Zero derives it from the active profile: half the segment
	// duration.
	SlowThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueCap == 0 {
		c.QueueCap = DefaultQueueCap
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Uploader consumes chunks from the compositor and pushes them to the
// media server one at a time. Uploads are never retried: a failed chunk is
// dropped and the stream moves on, since the viewer-side player tolerates
// gaps better than growing latency. Sustained pressure downgrades quality
// instead of queueing without bound.
type Uploader struct {
	cfg       Config
	registrar KeyRegistrar
	selector  *quality.Selector
	client    *http.Client

	mu    sync.Mutex
	cond  *sync.Cond
	queue []compositor.Chunk
	done  bool
}

// New builds an Uploader.
func New(cfg Config, registrar KeyRegistrar, selector *quality.Selector) *Uploader {
	u := &Uploader{
		cfg:       cfg.withDefaults(),
		registrar: registrar,
		selector:  selector,
		client:    &http.Client{Timeout: cfg.withDefaults().Timeout},
	}
	u.cond = sync.NewCond(&u.mu)
	return u
}

// Run consumes chunks until the channel closes, then drains the queue and
// returns. Cancelling the context abandons queued chunks.
func (u *Uploader) Run(ctx context.Context, chunks <-chan compositor.Chunk) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		u.worker(ctx)
	}()

	for chunk := range chunks {
		if reason, ok := validate(chunk); !ok {
			dropChunk(chunk, reason)
			continue
		}
		u.enqueue(chunk)
	}

	u.mu.Lock()
	u.done = true
	u.cond.Broadcast()
	u.mu.Unlock()
	wg.Wait()
	return ctx.Err()
}

// validate applies the chunk acceptance rules. Invalid chunks are dropped
// and the index simply advances; the stream never blocks on a bad segment.
func validate(chunk compositor.Chunk) (string, bool) {
	switch {
	case chunk.Size() < MinChunkBytes:
		return DropTooSmall, false
	case chunk.Size() > MaxChunkBytes:
		return DropTooLarge, false
	case !strings.HasPrefix(chunk.MimeType, "video/"):
		return DropBadMime, false
	}
	return "", true
}

// enqueue appends the chunk, shedding the oldest queued chunk when the cap
// is hit. Overflow is a pressure signal: quality steps down one tier.
func (u *Uploader) enqueue(chunk compositor.Chunk) {
	u.mu.Lock()
	if len(u.queue) >= u.cfg.QueueCap {
		oldest := u.queue[0]
		u.queue = u.queue[1:]
		u.mu.Unlock()
		dropChunk(oldest, DropQueueOverflow)
		u.selector.Downgrade("upload queue overflow")
		u.mu.Lock()
	}
	u.queue = append(u.queue, chunk)
	u.cond.Signal()
	u.mu.Unlock()
}

// worker uploads queued chunks one at a time, in order.
func (u *Uploader) worker(ctx context.Context) {
	for {
		u.mu.Lock()
		for len(u.queue) == 0 && !u.done {
			u.cond.Wait()
		}
		if len(u.queue) == 0 && u.done {
			u.mu.Unlock()
			return
		}
		chunk := u.queue[0]
		u.queue = u.queue[1:]
		u.mu.Unlock()

		if ctx.Err() != nil {
			dropChunk(chunk, DropUploadFailed)
			continue
		}
		u.uploadOne(ctx, chunk)
	}
}

// uploadOne registers a key and performs the multipart POST. Slow uploads
// trigger a quality downgrade: if a chunk takes more than half its segment
// duration to ship, the pipe cannot sustain the current tier.
func (u *Uploader) uploadOne(ctx context.Context, chunk compositor.Chunk) {
	key, err := u.registrar.Register(ctx, chunk.CompetitionID, chunk.Index)
	if err != nil {
		pkglog.L().Error().Err(err).
			Str(pkglog.FieldCompetition, chunk.CompetitionID).
			Int(pkglog.FieldChunk, chunk.Index).
			Msg("chunk key registration failed")
		dropChunk(chunk, DropKeyRejected)
		return
	}

	started := time.Now()
	if err := u.post(ctx, chunk, key); err != nil {
		pkglog.L().Error().Err(err).
			Str(pkglog.FieldCompetition, chunk.CompetitionID).
			Int(pkglog.FieldChunk, chunk.Index).
			Msg("chunk upload failed")
		dropChunk(chunk, DropUploadFailed)
		return
	}
	latency := time.Since(started)
	metrics.ChunksUploaded.Inc()

	threshold := u.cfg.SlowThreshold
	if threshold == 0 {
		threshold = time.Duration(u.selector.Profile().SegmentMillis) * time.Millisecond / 2
	}
	if latency > threshold {
		u.selector.Downgrade("upload latency")
	}
	pkglog.L().Debug().
		Str(pkglog.FieldCompetition, chunk.CompetitionID).
		Int(pkglog.FieldChunk, chunk.Index).
		Dur("latency", latency).
		Msg("chunk uploaded")
}

// post builds and sends the multipart request.
func (u *Uploader) post(ctx context.Context, chunk compositor.Chunk, key string) error {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("chunk", fmt.Sprintf("chunk_%d.%s", chunk.Index, chunk.Extension))
	if err != nil {
		return err
	}
	if _, err := part.Write(chunk.Data); err != nil {
		return err
	}
	for field, value := range map[string]string{
		"competitionId": chunk.CompetitionID,
		"chunkNumber":   strconv.Itoa(chunk.Index),
		"extension":     chunk.Extension,
		"chunkKey":      key,
	} {
		if err := form.WriteField(field, value); err != nil {
			return err
		}
	}
	if err := form.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.UploadURL, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("media server returned status %d", resp.StatusCode)
	}
	return nil
}

func dropChunk(chunk compositor.Chunk, reason string) {
	metrics.ChunksDropped.WithLabelValues(reason).Inc()
	pkglog.L().Warn().
		Str(pkglog.FieldCompetition, chunk.CompetitionID).
		Int(pkglog.FieldChunk, chunk.Index).
		Str("reason", reason).
		Msg("chunk dropped")
}
