package compositor

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
)

// FeedSource is a FrameSource fed by pushes from the network instead of a
// local capture. NextFrame returns the most recent pushed frame, or nil
// before the first push so Composite leaves that half black until the
// counterpart's video arrives.
type FeedSource struct {
	mu    sync.Mutex
	frame *image.RGBA
}

// NewFeedSource builds an empty push-fed frame source.
func NewFeedSource() *FeedSource { return &FeedSource{} }

// Push replaces the current frame. Late frames overwrite earlier ones; the
// recording loop always composites the freshest frame it has.
func (s *FeedSource) Push(frame *image.RGBA) {
	s.mu.Lock()
	s.frame = frame
	s.mu.Unlock()
}

// NextFrame implements FrameSource.
func (s *FeedSource) NextFrame(ctx context.Context) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, nil
}

// Close implements FrameSource.
func (s *FeedSource) Close() error { return nil }

// FeedAudioSource is an AudioSource fed by pushes from the network. Pushed
// samples queue up; NextSamples drains the queue and pads the remainder
// with silence so the mixer never stalls on a quiet counterpart.
type FeedAudioSource struct {
	mu  sync.Mutex
	buf []int16
}

// NewFeedAudioSource builds an empty push-fed audio source.
func NewFeedAudioSource() *FeedAudioSource { return &FeedAudioSource{} }

// Push appends decoded samples to the queue.
func (s *FeedAudioSource) Push(samples []int16) {
	s.mu.Lock()
	s.buf = append(s.buf, samples...)
	s.mu.Unlock()
}

// NextSamples implements AudioSource.
func (s *FeedAudioSource) NextSamples(ctx context.Context, n int) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int16, n)
	taken := copy(out, s.buf)
	s.buf = s.buf[taken:]
	return out, nil
}

// Close implements AudioSource.
func (s *FeedAudioSource) Close() error { return nil }

// Decoder turns incoming track payloads back into raw media. A payload may
// end mid-record; the decoder buffers the tail across calls. It is the
// receive-side counterpart of SegmentEncoder.
type Decoder interface {
	// Decode consumes payload bytes and returns the frames and samples
	// completed by them.
	Decode(payload []byte) (frames []*image.RGBA, samples []int16, err error)
}

// DecoderFactory builds a decoder for one incoming track.
type DecoderFactory func() (Decoder, error)

// rawDecoder parses the length-prefixed layout rawEncoder writes. Like the
// encoder it backs development and tests; production wiring swaps in a real
// codec behind the same interface.
type rawDecoder struct {
	width  int
	height int
	buf    bytes.Buffer
}

// NewRawDecoderFactory returns a factory producing rawDecoders expecting
// frames at the given dimensions.
func NewRawDecoderFactory(width, height int) DecoderFactory {
	return func() (Decoder, error) {
		return &rawDecoder{width: width, height: height}, nil
	}
}

func (d *rawDecoder) Decode(payload []byte) ([]*image.RGBA, []int16, error) {
	d.buf.Write(payload)

	var frames []*image.RGBA
	var samples []int16
	for {
		data := d.buf.Bytes()
		if len(data) < 5 {
			return frames, samples, nil
		}
		length := int(binary.BigEndian.Uint32(data[1:5]))
		if len(data) < 5+length {
			return frames, samples, nil
		}
		record := data[5 : 5+length]

		switch data[0] {
		case 'V':
			if length != 4*d.width*d.height {
				return frames, samples, fmt.Errorf("video record is %d bytes, want %d", length, 4*d.width*d.height)
			}
			frame := image.NewRGBA(image.Rect(0, 0, d.width, d.height))
			copy(frame.Pix, record)
			frames = append(frames, frame)
		case 'A':
			if length%2 != 0 {
				return frames, samples, fmt.Errorf("audio record has odd length %d", length)
			}
			for i := 0; i < length; i += 2 {
				samples = append(samples, int16(binary.LittleEndian.Uint16(record[i:])))
			}
		default:
			return frames, samples, fmt.Errorf("unknown record tag %q", data[0])
		}
		d.buf.Next(5 + length)
	}
}

// RemoteTracks is the slice of the connection manager the bridge hooks into.
type RemoteTracks interface {
	OnRemoteTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
}

// trackReader is the part of webrtc.TrackRemote the pump reads from.
type trackReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	Kind() webrtc.RTPCodecType
}

// BridgeRemote feeds the counterpart's incoming tracks into the given
// sources. Each track gets its own decoder and pump goroutine; a pump exits
// when its track ends, and the sources keep serving whatever arrived last.
func BridgeRemote(tracks RemoteTracks, video *FeedSource, audio *FeedAudioSource, factory DecoderFactory) {
	tracks.OnRemoteTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		dec, err := factory()
		if err != nil {
			pkglog.L().Error().Err(err).Str("kind", track.Kind().String()).
				Msg("failed to open track decoder")
			return
		}
		pkglog.L().Info().Str("kind", track.Kind().String()).
			Str("codec", track.Codec().MimeType).Msg("remote track arrived")
		go pumpTrack(track, dec, video, audio)
	})
}

// pumpTrack reads packets until the track ends, pushing decoded media into
// the matching source.
func pumpTrack(track trackReader, dec Decoder, video *FeedSource, audio *FeedAudioSource) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			pkglog.L().Debug().Err(err).Str("kind", track.Kind().String()).
				Msg("remote track ended")
			return
		}
		frames, samples, err := dec.Decode(pkt.Payload)
		if err != nil {
			pkglog.L().Error().Err(err).Str("kind", track.Kind().String()).
				Msg("failed to decode remote payload")
			return
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			for _, frame := range frames {
				video.Push(frame)
			}
		case webrtc.RTPCodecTypeAudio:
			if len(samples) > 0 {
				audio.Push(samples)
			}
		}
	}
}
