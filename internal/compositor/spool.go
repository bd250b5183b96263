package compositor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
)

var chunkFileRe = regexp.MustCompile(`^chunk_(\d+)\.(\w+)$`)

// SpoolWatcher monitors a spool directory where an external encoder drops
// finished chunk files named chunk_<index>.<ext>. Files may land out of
// order; chunks are emitted strictly in index order starting at the
// configured index. A periodic rescan backs up the fsnotify events.
type SpoolWatcher struct {
	competitionID string
	dir           string
	mimeType      string
	watcher       *fsnotify.Watcher

	mu        sync.Mutex
	pending   map[int]string // index -> path, read but not yet emittable
	nextIndex int

	out          chan Chunk
	stop         chan struct{}
	stopOnce     sync.Once
	pollInterval time.Duration
}

// NewSpoolWatcher builds a watcher over dir, emitting from startIndex.
func NewSpoolWatcher(competitionID, dir, mimeType string, startIndex int) (*SpoolWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create spool watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch spool dir %s: %w", dir, err)
	}
	w := &SpoolWatcher{
		competitionID: competitionID,
		dir:           dir,
		mimeType:      mimeType,
		watcher:       watcher,
		pending:       make(map[int]string),
		nextIndex:     startIndex,
		out:           make(chan Chunk, 8),
		stop:          make(chan struct{}),
		pollInterval:  500 * time.Millisecond,
	}
	go w.run()
	return w, nil
}

// Chunks delivers spooled chunks in strict index order.
func (w *SpoolWatcher) Chunks() <-chan Chunk { return w.out }

// Close stops watching and closes the chunks channel.
func (w *SpoolWatcher) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	return nil
}

func (w *SpoolWatcher) run() {
	defer close(w.out)
	defer w.watcher.Close()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.scan()
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.scan()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			pkglog.L().Warn().Err(err).Str("dir", w.dir).Msg("spool watcher error")
		case <-ticker.C:
			w.scan()
		}
	}
}

// scan registers finished chunk files and flushes the in-order run.
func (w *SpoolWatcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}

	w.mu.Lock()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := chunkFileRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		index, err := strconv.Atoi(m[1])
		if err != nil || index < w.nextIndex {
			continue
		}
		if _, seen := w.pending[index]; seen {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if !w.isComplete(path) {
			continue
		}
		w.pending[index] = path
	}

	var ready []Chunk
	for {
		path, ok := w.pending[w.nextIndex]
		if !ok {
			break
		}
		data, err := os.ReadFile(path)
		if err != nil {
			pkglog.L().Warn().Err(err).Str("path", path).Msg("failed to read spooled chunk")
			break
		}
		delete(w.pending, w.nextIndex)
		ready = append(ready, Chunk{
			CompetitionID: w.competitionID,
			Index:         w.nextIndex,
			Data:          data,
			MimeType:      w.mimeType,
			Extension:     filepath.Ext(path)[1:],
		})
		w.nextIndex++
	}
	w.mu.Unlock()

	for _, chunk := range ready {
		select {
		case w.out <- chunk:
		case <-w.stop:
			return
		}
	}
}

// isComplete treats a file as finished once it is non-empty and its size
// has stopped changing.
func (w *SpoolWatcher) isComplete(path string) bool {
	before, err := os.Stat(path)
	if err != nil || before.Size() == 0 {
		return false
	}
	time.Sleep(20 * time.Millisecond)
	after, err := os.Stat(path)
	if err != nil {
		return false
	}
	return before.Size() == after.Size()
}
