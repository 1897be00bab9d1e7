package source

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Watcher emits documents that appear in an inbox directory. Bursts of
// writes to one file are coalesced so a document is emitted once it has
// settled.
type Watcher struct {
	accept   func(path string) bool
	debounce time.Duration
	scan     bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long a file must be quiet before it is emitted.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithInitialScan emits documents already present when watching starts.
func WithInitialScan() WatcherOption {
	return func(w *Watcher) { w.scan = true }
}

// NewWatcher creates a Watcher emitting paths accept approves. A nil
// accept approves everything.
func NewWatcher(accept func(path string) bool, opts ...WatcherOption) *Watcher {
	if accept == nil {
		accept = func(string) bool { return true }
	}
	w := &Watcher{accept: accept, debounce: 500 * time.Millisecond}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Watch monitors dir until ctx is done. The returned channel is closed when
// watching stops.
func (w *Watcher) Watch(ctx context.Context, dir string) (<-chan string, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, eris.Wrap(err, "source: create watcher")
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, eris.Wrapf(err, "source: watch %s", dir)
	}

	out := make(chan string, 64)
	var existing []string
	if w.scan {
		entries, err := os.ReadDir(dir)
		if err != nil {
			_ = fw.Close()
			return nil, eris.Wrapf(err, "source: scan %s", dir)
		}
		for _, e := range entries {
			p := filepath.Join(dir, e.Name())
			if !e.IsDir() && w.accept(p) {
				existing = append(existing, p)
			}
		}
	}

	go w.loop(ctx, fw, out, existing)
	return out, nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, out chan<- string, existing []string) {
	defer close(out)
	defer fw.Close() //nolint:errcheck

	timers := make(map[string]*time.Timer)
	settled := make(chan string, 64)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for _, p := range existing {
		select {
		case out <- p:
		case <-ctx.Done():
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 || !w.accept(ev.Name) {
				continue
			}
			name := ev.Name
			if t, ok := timers[name]; ok {
				// A fired timer already has name queued on settled.
				if t.Stop() {
					t.Reset(w.debounce)
				}
				continue
			}
			timers[name] = time.AfterFunc(w.debounce, func() {
				select {
				case settled <- name:
				case <-ctx.Done():
				}
			})

		case p := <-settled:
			delete(timers, p)
			// Renames away from the inbox also raise events.
			if info, err := os.Stat(p); err != nil || info.IsDir() {
				continue
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			zap.L().Warn("source: watcher error", zap.Error(err))
		}
	}
}
