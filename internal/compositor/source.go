// Package compositor produces the combined duel recording on the host
// side: it composites both participants' frames side by side, mixes their
// audio, and cuts the result into fixed-duration chunks for upload.
package compositor

import (
	"context"
	"image"
	"image/color"
	"sync"
)

// FrameSource produces raw RGBA frames for one participant.
type FrameSource interface {
	// NextFrame returns the next frame. Implementations may reuse the
	// returned image between calls.
	NextFrame(ctx context.Context) (*image.RGBA, error)
	Close() error
}

// AudioSource produces interleaved 16-bit PCM samples for one participant.
type AudioSource interface {
	// NextSamples fills up to n samples.
	NextSamples(ctx context.Context, n int) ([]int16, error)
	Close() error
}

// TestPatternSource generates a deterministic moving-box pattern. It stands
// in for a live capture during development and in tests.
type TestPatternSource struct {
	mu     sync.Mutex
	width  int
	height int
	bg     color.RGBA
	frame  *image.RGBA
	tick   int
}

// NewTestPatternSource builds a pattern source at the given dimensions.
func NewTestPatternSource(width, height int, bg color.RGBA) *TestPatternSource {
	return &TestPatternSource{
		width:  width,
		height: height,
		bg:     bg,
		frame:  image.NewRGBA(image.Rect(0, 0, width, height)),
	}
}

// NextFrame implements FrameSource.
func (s *TestPatternSource) NextFrame(ctx context.Context) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			s.frame.SetRGBA(x, y, s.bg)
		}
	}
	boxSize := s.width / 8
	if boxSize < 4 {
		boxSize = 4
	}
	offset := (s.tick * 4) % (s.width - boxSize)
	for y := 0; y < boxSize && y < s.height; y++ {
		for x := offset; x < offset+boxSize; x++ {
			s.frame.SetRGBA(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	s.tick++
	return s.frame, nil
}

// Close implements FrameSource.
func (s *TestPatternSource) Close() error { return nil }

// ToneSource generates a fixed-amplitude square wave, or silence when the
// amplitude is zero.
type ToneSource struct {
	mu        sync.Mutex
	amplitude int16
	period    int
	pos       int
}

// NewToneSource builds a square-wave audio source.
func NewToneSource(amplitude int16, period int) *ToneSource {
	if period <= 0 {
		period = 96
	}
	return &ToneSource{amplitude: amplitude, period: period}
}

// NextSamples implements AudioSource.
func (s *ToneSource) NextSamples(ctx context.Context, n int) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int16, n)
	for i := range out {
		if (s.pos/s.period)%2 == 0 {
			out[i] = s.amplitude
		} else {
			out[i] = -s.amplitude
		}
		s.pos++
	}
	return out, nil
}

// Close implements AudioSource.
func (s *ToneSource) Close() error { return nil }
