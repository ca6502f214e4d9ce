// Package feed publishes frames written into a directory, so that captures
// from an external program can be guided on.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"scopie/internal/frame"
	"scopie/internal/fsutil"
	"scopie/internal/logging"
	"scopie/internal/stream"
)

// DefaultSettle is how long a file must be quiet before it is decoded.
const DefaultSettle = 200 * time.Millisecond

// Directory watches one directory for PNG and TIFF frames.
type Directory struct {
	dir      string
	settle   time.Duration
	watcher  *fsnotify.Watcher
	reporter logging.Reporter
	log      *slog.Logger
	frames   stream.Stream[frame.Frame]

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
	seq     uint64
	done    chan struct{}

	existing string
}

// NewDirectory starts watching dir. Files are decoded once no write event has
// arrived for settle (DefaultSettle when zero).
func NewDirectory(dir string, settle time.Duration, reporter logging.Reporter, log *slog.Logger) (*Directory, error) {
	if settle <= 0 {
		settle = DefaultSettle
	}
	if reporter == nil {
		reporter = logging.Discard
	}
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	var existing string
	if files, err := fsutil.ListFrames(dir); err == nil && len(files) > 0 {
		existing = files[len(files)-1]
	}
	log.Info("watching directory for frames", "dir", dir, "existing", existing)
	return &Directory{
		dir:      dir,
		settle:   settle,
		watcher:  w,
		reporter: reporter,
		log:      log.With("feed", dir),
		pending:  make(map[string]*time.Timer),
		ready:    make(chan string, 16),
		done:     make(chan struct{}),
		existing: existing,
	}, nil
}

// Frames is the stream of decoded frames, in the order they settled.
func (d *Directory) Frames() stream.Source[frame.Frame] { return &d.frames }

// Run publishes the newest frame that was in the directory when it was
// opened, then processes events until ctx is done and closes the watcher.
func (d *Directory) Run(ctx context.Context) error {
	defer close(d.done)
	defer d.stopTimers()
	defer d.watcher.Close()

	if d.existing != "" {
		d.load(d.existing)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fsutil.IsFrameFile(event.Name) {
				continue
			}
			d.schedule(event.Name)
		case path := <-d.ready:
			d.load(path)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.reporter.Report("feed", fmt.Errorf("watcher: %w", err))
		}
	}
}

func (d *Directory) schedule(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.pending[path]; ok {
		t.Reset(d.settle)
		return
	}
	d.pending[path] = time.AfterFunc(d.settle, func() {
		d.mu.Lock()
		delete(d.pending, path)
		d.mu.Unlock()
		select {
		case d.ready <- path:
		case <-d.done:
		}
	})
}

func (d *Directory) stopTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for path, t := range d.pending {
		t.Stop()
		delete(d.pending, path)
	}
}

func (d *Directory) load(path string) {
	f, err := frame.Load(path)
	if err != nil {
		d.reporter.Report("feed", fmt.Errorf("load %s: %w", filepath.Base(path), err))
		return
	}
	d.seq++
	logging.LogFrame(d.log, filepath.Base(path), d.seq, f.Width(), f.Height(), f.SizeBytes())
	d.frames.Publish(f)
}
