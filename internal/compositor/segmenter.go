package compositor

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"

	"github.com/Maelsh/dueli-opus-sub002/internal/quality"
	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
)

// Chunk is one finished recording segment ready for upload.
type Chunk struct {
	CompetitionID string
	Index         int
	Data          []byte
	MimeType      string
	Extension     string
}

// Size returns the payload size in bytes.
func (c Chunk) Size() int { return len(c.Data) }

// SegmentEncoder encodes one segment's worth of composited media. A fresh
// encoder is created for every segment so quality changes take effect at
// segment boundaries.
type SegmentEncoder interface {
	WriteVideo(frame *image.RGBA) error
	WriteAudio(samples []int16) error
	// Finish closes the segment and returns the encoded payload.
	Finish() ([]byte, error)
}

// EncoderFactory builds an encoder for the given profile.
type EncoderFactory func(p quality.Profile) (SegmentEncoder, error)

// Config tunes a Segmenter.
type Config struct {
	CompetitionID string
	// StartIndex is the first chunk index to emit. Resuming after a
	// restart passes the last server-acknowledged index plus one.
	StartIndex int
	MimeType   string
	Extension  string
	// SamplesPerFrame is the PCM sample count pulled per video frame.
	SamplesPerFrame int
}

func (c Config) withDefaults() Config {
	if c.MimeType == "" {
		c.MimeType = "video/webm"
	}
	if c.Extension == "" {
		c.Extension = "webm"
	}
	if c.SamplesPerFrame == 0 {
		c.SamplesPerFrame = 1600 // 48kHz at 30fps
	}
	return c
}

// Segmenter drives the host-side recording loop: pull a frame from each
// participant, composite, mix audio, feed the segment encoder, and rotate
// the encoder on every segment boundary. Chunks come out strictly in index
// order.
type Segmenter struct {
	cfg      Config
	selector *quality.Selector
	host     FrameSource
	opponent FrameSource
	hostAud  AudioSource
	oppAud   AudioSource
	factory  EncoderFactory

	out       chan Chunk
	nextIndex int
}

// NewSegmenter builds a Segmenter. The out channel is unbuffered on the
// segmenter side; the upload pipeline applies its own bounded queue.
func NewSegmenter(cfg Config, selector *quality.Selector, factory EncoderFactory,
	host, opponent FrameSource, hostAud, oppAud AudioSource) *Segmenter {
	cfg = cfg.withDefaults()
	return &Segmenter{
		cfg:       cfg,
		selector:  selector,
		host:      host,
		opponent:  opponent,
		hostAud:   hostAud,
		oppAud:    oppAud,
		factory:   factory,
		out:       make(chan Chunk),
		nextIndex: cfg.StartIndex,
	}
}

// Chunks delivers finished segments in index order. The consumer must keep
// receiving until the channel closes, which happens when Run returns.
func (s *Segmenter) Chunks() <-chan Chunk { return s.out }

// Run records until the context is canceled, then finishes the in-flight
// segment and emits it before returning.
func (s *Segmenter) Run(ctx context.Context) error {
	defer close(s.out)

	for {
		profile := s.selector.Profile()
		data, err := s.recordSegment(ctx, profile)
		if len(data) > 0 {
			chunk := Chunk{
				CompetitionID: s.cfg.CompetitionID,
				Index:         s.nextIndex,
				Data:          data,
				MimeType:      s.cfg.MimeType,
				Extension:     s.cfg.Extension,
			}
			s.nextIndex++
			// The consumer drains until the channel closes, so the final
			// partial segment is never lost to cancellation.
			s.out <- chunk
			pkglog.L().Debug().
				Str(pkglog.FieldCompetition, s.cfg.CompetitionID).
				Int(pkglog.FieldChunk, chunk.Index).
				Str(pkglog.FieldTier, profile.Name).
				Int("bytes", chunk.Size()).
				Msg("segment finished")
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// recordSegment encodes one segment at the given profile. On context
// cancellation it returns the partial segment with the context error.
func (s *Segmenter) recordSegment(ctx context.Context, profile quality.Profile) ([]byte, error) {
	enc, err := s.factory(profile)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment encoder: %w", err)
	}

	// Pacing belongs to the capture sources: a live source blocks until
	// its next frame is due, so the loop runs at the capture rate.
	framesPerSegment := profile.SegmentMillis * profile.FPS / 1000
	canvas := image.NewRGBA(image.Rect(0, 0, profile.Width, profile.Height))

	for i := 0; i < framesPerSegment; i++ {
		if err := ctx.Err(); err != nil {
			data, ferr := enc.Finish()
			if ferr != nil {
				return nil, ferr
			}
			return data, err
		}

		hostFrame, err := s.host.NextFrame(ctx)
		if err != nil {
			return s.abort(enc, err)
		}
		oppFrame, err := s.opponent.NextFrame(ctx)
		if err != nil {
			return s.abort(enc, err)
		}
		Composite(canvas, hostFrame, oppFrame)
		if err := enc.WriteVideo(canvas); err != nil {
			return nil, err
		}

		hostPCM, err := s.hostAud.NextSamples(ctx, s.cfg.SamplesPerFrame)
		if err != nil {
			return s.abort(enc, err)
		}
		oppPCM, err := s.oppAud.NextSamples(ctx, s.cfg.SamplesPerFrame)
		if err != nil {
			return s.abort(enc, err)
		}
		if err := enc.WriteAudio(MixAudio(hostPCM, oppPCM)); err != nil {
			return nil, err
		}
	}
	return enc.Finish()
}

// abort finishes the encoder to salvage the partial segment, preferring the
// original error.
func (s *Segmenter) abort(enc SegmentEncoder, cause error) ([]byte, error) {
	data, err := enc.Finish()
	if err != nil {
		return nil, cause
	}
	return data, cause
}

// rawEncoder frames uncompressed media with a minimal length-prefixed
// layout. It backs development and tests; production wiring swaps in a real
// codec behind the same interface.
type rawEncoder struct {
	buf bytes.Buffer
}

// NewRawEncoderFactory returns a factory producing rawEncoders.
func NewRawEncoderFactory() EncoderFactory {
	return func(quality.Profile) (SegmentEncoder, error) {
		return &rawEncoder{}, nil
	}
}

func (e *rawEncoder) WriteVideo(frame *image.RGBA) error {
	var hdr [5]byte
	hdr[0] = 'V'
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(frame.Pix)))
	e.buf.Write(hdr[:])
	e.buf.Write(frame.Pix)
	return nil
}

func (e *rawEncoder) WriteAudio(samples []int16) error {
	var hdr [5]byte
	hdr[0] = 'A'
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(samples)*2))
	e.buf.Write(hdr[:])
	for _, sample := range samples {
		var pcm [2]byte
		binary.LittleEndian.PutUint16(pcm[:], uint16(sample))
		e.buf.Write(pcm[:])
	}
	return nil
}

func (e *rawEncoder) Finish() ([]byte, error) {
	return e.buf.Bytes(), nil
}
