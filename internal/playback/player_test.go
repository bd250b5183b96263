package playback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeFetcher struct {
	mu     sync.Mutex
	chunks map[int][]byte
	total  int
	calls  map[int]int
}

func newFakeFetcher(total int, indices ...int) *fakeFetcher {
	f := &fakeFetcher{chunks: make(map[int][]byte), total: total, calls: make(map[int]int)}
	for _, i := range indices {
		f.add(i)
	}
	return f
}

func (f *fakeFetcher) add(index int) {
	f.mu.Lock()
	f.chunks[index] = []byte(fmt.Sprintf("chunk-%d", index))
	f.mu.Unlock()
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, index int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[index]++
	data, ok := f.chunks[index]
	if !ok {
		return nil, ErrNotAvailable
	}
	return data, nil
}

func (f *fakeFetcher) Total(context.Context, string) (int, error) {
	return f.total, nil
}

// eventLog is shared by both fake surfaces so ordering across the pair is
// observable.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) append(ev string) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

type fakeSurface struct {
	log      *eventLog
	duration time.Duration

	mu       sync.Mutex
	prepared string
}

func (s *fakeSurface) Prepare(data []byte) error {
	s.mu.Lock()
	s.prepared = string(data)
	s.mu.Unlock()
	s.log.append("prepare:" + string(data))
	return nil
}

func (s *fakeSurface) Play(ctx context.Context) error {
	s.mu.Lock()
	current := s.prepared
	s.mu.Unlock()
	s.log.append("start:" + current)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.duration):
	}
	s.log.append("end:" + current)
	return nil
}

func newTestPlayer(fetcher Fetcher, log *eventLog) *Player {
	front := &fakeSurface{log: log, duration: 5 * time.Millisecond}
	back := &fakeSurface{log: log, duration: 5 * time.Millisecond}
	return NewPlayer(Config{RetryInterval: 10 * time.Millisecond}, fetcher, front, back)
}

func TestFinishedPlaybackRunsInOrderWithProgress(t *testing.T) {
	fetcher := newFakeFetcher(3, 0, 1, 2)
	log := &eventLog{}
	player := newTestPlayer(fetcher, log)

	var progress []string
	err := player.PlayFinished(context.Background(), "a1", func(current, total int) {
		progress = append(progress, fmt.Sprintf("%d/%d", current, total))
	})
	if err != nil {
		t.Fatalf("PlayFinished: %v", err)
	}

	wantProgress := []string{"1/3", "2/3", "3/3"}
	if len(progress) != 3 {
		t.Fatalf("progress = %v, want %v", progress, wantProgress)
	}
	for i := range wantProgress {
		if progress[i] != wantProgress[i] {
			t.Fatalf("progress = %v, want %v", progress, wantProgress)
		}
	}

	assertStrictOrder(t, log.snapshot(), 3)
}

// assertStrictOrder verifies start:chunk-N+1 never precedes end:chunk-N.
func assertStrictOrder(t *testing.T, events []string, chunks int) {
	t.Helper()
	position := func(ev string) int {
		for i, e := range events {
			if e == ev {
				return i
			}
		}
		t.Fatalf("event %q missing from %v", ev, events)
		return -1
	}
	for n := 0; n < chunks-1; n++ {
		endN := position(fmt.Sprintf("end:chunk-%d", n))
		startNext := position(fmt.Sprintf("start:chunk-%d", n+1))
		if startNext < endN {
			t.Fatalf("chunk %d started before chunk %d finished: %v", n+1, n, events)
		}
	}
}

func TestLivePlaybackHoldsAtGap(t *testing.T) {
	fetcher := newFakeFetcher(0, 0, 1) // chunk 2 missing
	log := &eventLog{}
	player := newTestPlayer(fetcher, log)

	done := make(chan error, 1)
	go func() { done <- player.PlayLive(context.Background(), "a1", 0) }()

	waitFor(t, func() bool {
		return contains(log.snapshot(), "end:chunk-1")
	}, "chunk 1 to finish")

	// The gap must hold: chunk 2 does not exist, so nothing new starts
	// and the fetcher keeps being polled.
	time.Sleep(50 * time.Millisecond)
	if contains(log.snapshot(), "start:chunk-2") {
		t.Fatal("chunk 2 started while missing")
	}
	fetcher.mu.Lock()
	retries := fetcher.calls[2]
	fetcher.mu.Unlock()
	if retries < 2 {
		t.Fatalf("fetch attempts for missing chunk = %d, want repeated retries", retries)
	}

	// Filling the gap resumes playback.
	fetcher.add(2)
	waitFor(t, func() bool {
		return contains(log.snapshot(), "start:chunk-2")
	}, "chunk 2 to start after the gap filled")

	player.Stop()
	<-done
	assertStrictOrder(t, log.snapshot(), 3)
}

func TestStopIsSynchronous(t *testing.T) {
	fetcher := newFakeFetcher(0, 0)
	log := &eventLog{}
	player := newTestPlayer(fetcher, log)

	done := make(chan error, 1)
	go func() { done <- player.PlayLive(context.Background(), "a1", 0) }()
	waitFor(t, func() bool {
		return contains(log.snapshot(), "start:chunk-0")
	}, "playback to start")

	player.Stop()
	before := len(log.snapshot())
	time.Sleep(30 * time.Millisecond)
	if after := len(log.snapshot()); after != before {
		t.Fatalf("events appeared after Stop returned: %v", log.snapshot()[before:])
	}
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("PlayLive returned %v, want context.Canceled", err)
	}
}

func TestPlayLiveStartsFromRequestedIndex(t *testing.T) {
	fetcher := newFakeFetcher(0, 5, 6)
	log := &eventLog{}
	player := newTestPlayer(fetcher, log)

	done := make(chan error, 1)
	go func() { done <- player.PlayLive(context.Background(), "a1", 5) }()
	waitFor(t, func() bool {
		return contains(log.snapshot(), "end:chunk-6")
	}, "chunk 6 to finish")
	player.Stop()
	<-done

	events := log.snapshot()
	for _, ev := range events {
		if strings.HasSuffix(ev, "chunk-0") {
			t.Fatalf("played chunk before the start index: %v", events)
		}
	}
}

func TestFinishedPlaybackEmptyCompetition(t *testing.T) {
	player := newTestPlayer(newFakeFetcher(0), &eventLog{})
	if err := player.PlayFinished(context.Background(), "a1", nil); err != nil {
		t.Fatalf("PlayFinished on empty competition: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func contains(events []string, want string) bool {
	for _, ev := range events {
		if ev == want {
			return true
		}
	}
	return false
}
