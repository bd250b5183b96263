package playback

import (
	"context"
	"io"
)

// WriterSurface renders a chunk by streaming its payload to an io.Writer,
// typically a file or a pipe feeding an external media player. The Player
// serializes Play calls, so two surfaces may share one writer and the stream
// stays in index order.
type WriterSurface struct {
	w        io.Writer
	prepared []byte
}

// NewWriterSurface builds a surface over w.
func NewWriterSurface(w io.Writer) *WriterSurface {
	return &WriterSurface{w: w}
}

// Prepare implements Surface.
func (s *WriterSurface) Prepare(data []byte) error {
	s.prepared = data
	return nil
}

// Play implements Surface.
func (s *WriterSurface) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.w.Write(s.prepared)
	return err
}
