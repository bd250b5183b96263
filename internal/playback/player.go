// Package playback reconstructs a duel stream for viewers from uploaded
// chunks. Live playback holds at a gap until the missing chunk appears;
// finished-competition playback walks the full chunk range with progress
// reporting. Chunks always render in strict index order.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
)

// ErrNotAvailable is returned by a Fetcher when the chunk has not been
// uploaded yet. The player retries silently; viewers see a hold, not an
// error.
var ErrNotAvailable = errors.New("chunk not available yet")

// Fetcher retrieves chunk payloads from the media server.
type Fetcher interface {
	// Fetch returns the chunk payload, or ErrNotAvailable.
	Fetch(ctx context.Context, competitionID string, index int) ([]byte, error)
	// Total returns the chunk count of a finished competition.
	Total(ctx context.Context, competitionID string) (int, error)
}

// Surface is one half of the double-buffered output: a chunk is prepared
// on the idle surface while the other one plays.
type Surface interface {
	// Prepare loads the chunk payload for playback.
	Prepare(data []byte) error
	// Play renders the prepared chunk and blocks until it finishes.
	Play(ctx context.Context) error
}

const defaultRetryInterval = 500 * time.Millisecond

// Config tunes a Player.
type Config struct {
	// RetryInterval is the pause between fetch attempts for a chunk that
	// is not available yet.
	RetryInterval time.Duration
}

// Player drives two Surfaces alternately so the next chunk is already
// prepared when the current one finishes.
type Player struct {
	fetcher  Fetcher
	surfaces [2]Surface
	retry    time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewPlayer builds a Player over a fetcher and a surface pair.
func NewPlayer(cfg Config, fetcher Fetcher, front, back Surface) *Player {
	retry := cfg.RetryInterval
	if retry == 0 {
		retry = defaultRetryInterval
	}
	return &Player{
		fetcher:  fetcher,
		surfaces: [2]Surface{front, back},
		retry:    retry,
	}
}

// PlayLive renders chunks from startIndex until the context is canceled or
// Stop is called. A missing chunk holds playback; it never skips ahead.
func (p *Player) PlayLive(ctx context.Context, competitionID string, startIndex int) error {
	ctx, stopped := p.begin(ctx)
	defer close(stopped)

	return p.renderFrom(ctx, competitionID, startIndex, -1, nil)
}

// PlayFinished renders a completed competition start to finish, reporting
// (current, total) before each chunk starts.
func (p *Player) PlayFinished(ctx context.Context, competitionID string, progress func(current, total int)) error {
	ctx, stopped := p.begin(ctx)
	defer close(stopped)

	total, err := p.fetcher.Total(ctx, competitionID)
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}
	return p.renderFrom(ctx, competitionID, 0, total, progress)
}

// Stop halts playback and returns once the render loop has exited.
func (p *Player) Stop() {
	p.mu.Lock()
	cancel, stopped := p.cancel, p.stopped
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (p *Player) begin(ctx context.Context) (context.Context, chan struct{}) {
	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	p.mu.Lock()
	p.cancel = cancel
	p.stopped = stopped
	p.mu.Unlock()
	return ctx, stopped
}

// renderFrom is the shared loop. total < 0 means live: no upper bound.
// The next chunk is fetched and prepared while the current chunk plays,
// but Play for index n+1 never starts before Play for n has returned.
func (p *Player) renderFrom(ctx context.Context, competitionID string, start, total int, progress func(current, total int)) error {
	index := start
	active := 0

	data, err := p.fetchWithHold(ctx, competitionID, index)
	if err != nil {
		return err
	}
	if err := p.surfaces[active].Prepare(data); err != nil {
		return err
	}

	for {
		if total >= 0 && index-start >= total {
			return nil
		}
		if progress != nil {
			progress(index+1, total)
		}

		playErr := make(chan error, 1)
		go func(s Surface) { playErr <- s.Play(ctx) }(p.surfaces[active])

		next := index + 1
		var nextReady bool
		if total < 0 || next-start < total {
			nextData, err := p.fetchWithHold(ctx, competitionID, next)
			if err == nil {
				if err := p.surfaces[1-active].Prepare(nextData); err != nil {
					<-playErr
					return err
				}
				nextReady = true
			} else if ctx.Err() == nil {
				<-playErr
				return err
			}
		}

		if err := <-playErr; err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !nextReady {
			return nil
		}
		index = next
		active = 1 - active
	}
}

// fetchWithHold retries at the fixed interval until the chunk exists. The
// hold is silent: a live gap resolves when the uploader catches up.
func (p *Player) fetchWithHold(ctx context.Context, competitionID string, index int) ([]byte, error) {
	for {
		data, err := p.fetcher.Fetch(ctx, competitionID, index)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrNotAvailable) {
			pkglog.L().Warn().Err(err).
				Str(pkglog.FieldCompetition, competitionID).
				Int(pkglog.FieldChunk, index).
				Msg("chunk fetch failed, holding")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.retry):
		}
	}
}
