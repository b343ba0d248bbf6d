// Package registry owns the set of loaded handler units.
//
// Readers take a Snapshot, an immutable ordered view that is swapped
// atomically on every change. Writers (Load, Unload, Reload, Close) serialize
// on a mutex and never block readers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"qqbot/pkg/handler"
)

var (
	ErrAlreadyLoaded     = errors.New("handler already loaded")
	ErrSourceConflict    = errors.New("handler name already loaded from another source")
	ErrUnsupportedSource = errors.New("unsupported handler source")
)

// LoadError reports a source that could not become an active unit.
type LoadError struct {
	Name   string
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load handler %s: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Snapshot is an ordered, immutable view of the active units.
type Snapshot []*handler.Unit

func (s Snapshot) Len() int { return len(s) }

// Names returns unit names in snapshot order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s))
	for _, unit := range s {
		names = append(names, unit.Name())
	}
	return names
}

// Lookup returns the unit called name, or nil.
func (s Snapshot) Lookup(name string) *handler.Unit {
	for _, unit := range s {
		if unit.Name() == name {
			return unit
		}
	}
	return nil
}

type Options struct {
	// Loaders are tried in order; the first match opens the source.
	// Defaults to DefaultLoaders(DefaultCatalog).
	Loaders []Loader
	// HandlerTimeout bounds every hook invocation. Zero disables the bound.
	HandlerTimeout time.Duration
	// OnChange is called with every published snapshot.
	OnChange func(Snapshot)
}

type Registry struct {
	log      *slog.Logger
	loaders  []Loader
	timeout  time.Duration
	onChange func(Snapshot)

	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

func New(opts Options, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}

	loaders := opts.Loaders
	if len(loaders) == 0 {
		loaders = DefaultLoaders(DefaultCatalog)
	}

	r := &Registry{
		log:      log.With("component", "registry"),
		loaders:  loaders,
		timeout:  opts.HandlerTimeout,
		onChange: opts.OnChange,
	}
	r.current.Store(&Snapshot{})
	return r
}

// Snapshot returns the current view without locking.
func (r *Registry) Snapshot() Snapshot {
	return *r.current.Load()
}

// Candidate reports whether path would be picked up by LoadAll.
func (r *Registry) Candidate(path string) bool {
	return !ignored(path) && r.loaderFor(path) != nil
}

// LoadAll loads every candidate source directly inside dir. Each source is
// loaded independently; failures are logged and skipped, and the joined
// errors are returned for reporting only.
func (r *Registry) LoadAll(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read handler directory: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if !r.Candidate(path) {
			continue
		}

		if _, err := r.Load(ctx, path); err != nil {
			r.log.Error("Failed to load handler", "name", NameFromSource(path), "error", err)
			errs = append(errs, err)
		}
	}

	snapshot := r.Snapshot()
	r.log.Info("Handlers loaded", "dir", dir, "count", snapshot.Len(), "failed", len(errs), "names", snapshot.Names())
	return errors.Join(errs...)
}

// Load opens source, runs its load hook and publishes the unit. A name that
// is already loaded is rejected; use Reload to replace it.
func (r *Registry) Load(ctx context.Context, source string) (*handler.Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := NameFromSource(source)
	if r.Snapshot().Lookup(name) != nil {
		return nil, &LoadError{Name: name, Source: source, Err: ErrAlreadyLoaded}
	}

	unit, err := r.build(ctx, source)
	if err != nil {
		return nil, err
	}

	r.publish(append(r.Snapshot().clone(), unit))
	r.log.Info("Handler loaded", "name", name, "source", source, "capabilities", handler.Capabilities(unit.Handler()))
	return unit, nil
}

// Unload runs the unit's unload hook and removes it. Hook failures are logged
// and swallowed. It reports whether a unit was removed.
func (r *Registry) Unload(ctx context.Context, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.unloadLocked(ctx, name)
}

// Reload replaces the unit built from source. The new unit is activated while
// the old one keeps serving, then swapped in at the same position, and only
// then is the old unit's unload hook run. If the new unit fails to load the
// old one stays. A source that no longer exists unloads its unit.
//
// A unit keeps the source it was loaded from: a different file with the same
// name (basic.so next to basic.yaml) is rejected with ErrSourceConflict.
func (r *Registry) Reload(ctx context.Context, source string) (*handler.Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := NameFromSource(source)
	current := r.Snapshot()

	if _, err := os.Stat(source); errors.Is(err, os.ErrNotExist) {
		if old := current.Lookup(name); old != nil && old.Source() == source {
			r.unloadLocked(ctx, name)
		}
		return nil, nil
	}

	if old := current.Lookup(name); old != nil && old.Source() != source {
		return nil, &LoadError{Name: name, Source: source, Err: fmt.Errorf("%w: %s", ErrSourceConflict, old.Source())}
	}

	unit, err := r.build(ctx, source)
	if err != nil {
		if current.Lookup(name) != nil {
			r.log.Warn("Reload failed, keeping previous handler", "name", name, "error", err)
		}
		return nil, err
	}

	next := current.clone()
	idx := slices.IndexFunc(next, func(u *handler.Unit) bool { return u.Name() == name })
	if idx < 0 {
		r.publish(append(next, unit))
		r.log.Info("Handler loaded", "name", name, "source", source, "capabilities", handler.Capabilities(unit.Handler()))
		return unit, nil
	}

	old := next[idx]
	next[idx] = unit
	old.Supersede(unit)
	r.publish(next)

	if err := old.Deactivate(ctx); err != nil {
		r.log.Error("Handler unload hook failed", "name", name, "error", err)
	}

	r.log.Info("Handler reloaded", "name", name, "source", source)
	return unit, nil
}

// Close unloads every unit in reverse snapshot order.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.Snapshot()
	r.publish(Snapshot{})
	for i := len(current) - 1; i >= 0; i-- {
		if err := current[i].Deactivate(ctx); err != nil {
			r.log.Error("Handler unload hook failed", "name", current[i].Name(), "error", err)
		}
	}
}

func (r *Registry) build(ctx context.Context, source string) (*handler.Unit, error) {
	name := NameFromSource(source)
	if strings.TrimSpace(source) == "" {
		return nil, &LoadError{Name: name, Source: source, Err: errEmptySource}
	}

	loader := r.loaderFor(source)
	if loader == nil {
		return nil, &LoadError{Name: name, Source: source, Err: ErrUnsupportedSource}
	}

	h, err := loader.Open(ctx, source)
	if err != nil {
		return nil, &LoadError{Name: name, Source: source, Err: err}
	}

	unit := handler.NewUnit(name, source, h, r.timeout)
	if err := unit.Activate(ctx); err != nil {
		return nil, &LoadError{Name: name, Source: source, Err: err}
	}

	return unit, nil
}

func (r *Registry) unloadLocked(ctx context.Context, name string) bool {
	current := r.Snapshot()
	unit := current.Lookup(name)
	if unit == nil {
		return false
	}

	if err := unit.Deactivate(ctx); err != nil {
		r.log.Error("Handler unload hook failed", "name", name, "error", err)
	}

	r.publish(slices.DeleteFunc(current.clone(), func(u *handler.Unit) bool { return u == unit }))
	r.log.Info("Handler unloaded", "name", name)
	return true
}

// publish must be called with r.mu held.
func (r *Registry) publish(next Snapshot) {
	slices.SortStableFunc(next, func(a, b *handler.Unit) int {
		return strings.Compare(a.Name(), b.Name())
	})
	r.current.Store(&next)

	if r.onChange != nil {
		r.onChange(next)
	}
}

func (r *Registry) loaderFor(path string) Loader {
	for _, loader := range r.loaders {
		if loader.Match(path) {
			return loader
		}
	}
	return nil
}

func (s Snapshot) clone() Snapshot {
	return slices.Clone(s)
}
