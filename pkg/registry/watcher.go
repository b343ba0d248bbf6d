package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = time.Second

// Watcher reloads handler sources when their files change. Bursts of events
// for one path collapse into a single reload that fires once the path has been
// quiet for the debounce interval.
type Watcher struct {
	registry *Registry
	dir      string
	debounce time.Duration
	log      *slog.Logger
}

type pendingReload struct {
	seq   uint64
	timer *time.Timer
}

type firedReload struct {
	path string
	seq  uint64
}

func NewWatcher(reg *Registry, dir string, debounce time.Duration, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Watcher{
		registry: reg,
		dir:      dir,
		debounce: debounce,
		log:      log.With("component", "registry.watcher"),
	}
}

// Run watches the directory until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info("Watching handler directory", "dir", w.dir, "debounce", w.debounce)

	pending := make(map[string]*pendingReload)
	defer func() {
		for _, p := range pending {
			p.timer.Stop()
		}
	}()

	fired := make(chan firedReload)
	stopped := make(chan struct{})
	defer close(stopped)
	var seq uint64

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}

			seq++
			if p, ok := pending[event.Name]; ok {
				p.timer.Stop()
			}

			f := firedReload{path: event.Name, seq: seq}
			pending[event.Name] = &pendingReload{
				seq: seq,
				timer: time.AfterFunc(w.debounce, func() {
					handOff(fired, stopped, f)
				}),
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Handler directory watch error", "error", err)

		case f := <-fired:
			// A timer stopped too late may still fire; only the latest one counts.
			p, ok := pending[f.path]
			if !ok || p.seq != f.seq {
				continue
			}
			delete(pending, f.path)
			w.reload(ctx, f.path)
		}
	}
}

// handOff passes a fired timer to the Run loop, giving up once Run has
// returned for any reason.
func handOff(fired chan<- firedReload, stopped <-chan struct{}, f firedReload) bool {
	select {
	case fired <- f:
		return true
	case <-stopped:
		return false
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return false
	}
	return w.registry.Candidate(event.Name)
}

func (w *Watcher) reload(ctx context.Context, path string) {
	w.log.Debug("Reloading handler source", "path", path)
	if _, err := w.registry.Reload(ctx, path); err != nil {
		w.log.Error("Handler reload failed", "name", NameFromSource(path), "error", err)
	}
}
