package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"plugin"
	"strings"

	"qqbot/pkg/handler"
)

// Loader turns a source file into a handler instance.
type Loader interface {
	// Match reports whether the loader understands the file at path.
	Match(path string) bool
	Open(ctx context.Context, path string) (handler.Handler, error)
}

// ManifestLoader opens *.yaml and *.yml manifests against a Catalog.
type ManifestLoader struct {
	Catalog *Catalog
}

func (l ManifestLoader) Match(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func (l ManifestLoader) Open(ctx context.Context, path string) (handler.Handler, error) {
	manifest, err := ReadManifest(path)
	if err != nil {
		return nil, err
	}

	catalog := l.Catalog
	if catalog == nil {
		catalog = DefaultCatalog
	}
	return catalog.Build(ctx, manifest)
}

// SharedObjectSymbol is the symbol a Go plugin must export.
const SharedObjectSymbol = "New"

// SharedObjectLoader opens Go plugins built with -buildmode=plugin. The plugin
// exports `func New() handler.Handler`.
//
// The Go runtime never unloads a plugin and caches it by path, so replacing a
// plugin's code requires building it under a new file name.
type SharedObjectLoader struct{}

func (SharedObjectLoader) Match(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".so")
}

func (SharedObjectLoader) Open(_ context.Context, path string) (handler.Handler, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin: %w", err)
	}

	sym, err := p.Lookup(SharedObjectSymbol)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", SharedObjectSymbol, err)
	}

	var newFn func() handler.Handler
	switch fn := sym.(type) {
	case func() handler.Handler:
		newFn = fn
	case *func() handler.Handler:
		newFn = *fn
	default:
		return nil, fmt.Errorf("symbol %s has type %T, want func() handler.Handler", SharedObjectSymbol, sym)
	}

	h := newFn()
	if h == nil {
		return nil, fmt.Errorf("symbol %s returned nil handler", SharedObjectSymbol)
	}
	return h, nil
}

// DefaultLoaders returns the manifest and shared-object loaders bound to
// catalog.
func DefaultLoaders(catalog *Catalog) []Loader {
	return []Loader{
		ManifestLoader{Catalog: catalog},
		SharedObjectLoader{},
	}
}
