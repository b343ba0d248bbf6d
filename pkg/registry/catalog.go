package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"qqbot/pkg/handler"
)

// Factory builds a fresh handler from a manifest. It is called on every load
// and reload, so it must not return a shared instance.
type Factory func(ctx context.Context, manifest Manifest) (handler.Handler, error)

// Catalog maps manifest kinds to the factories compiled into the binary.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// DefaultCatalog is populated by Register from package init functions.
var DefaultCatalog = NewCatalog()

func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register makes a handler kind available to manifests in DefaultCatalog. It
// panics if kind is empty, factory is nil, or kind is registered twice.
func Register(kind string, factory Factory) {
	DefaultCatalog.Register(kind, factory)
}

func (c *Catalog) Register(kind string, factory Factory) {
	if kind == "" {
		panic("registry: Register with empty kind")
	}
	if factory == nil {
		panic("registry: Register factory is nil for " + kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.factories[kind]; dup {
		panic("registry: Register called twice for " + kind)
	}
	c.factories[kind] = factory
}

// Build creates a handler for manifest.Kind.
func (c *Catalog) Build(ctx context.Context, manifest Manifest) (handler.Handler, error) {
	c.mu.RLock()
	factory, ok := c.factories[manifest.Kind]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown handler kind %q", manifest.Kind)
	}

	h, err := factory(ctx, manifest)
	if err != nil {
		return nil, fmt.Errorf("build %s handler: %w", manifest.Kind, err)
	}
	if h == nil {
		return nil, fmt.Errorf("build %s handler: factory returned nil", manifest.Kind)
	}

	return h, nil
}

// Kinds lists the registered kinds in sorted order.
func (c *Catalog) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	kinds := make([]string, 0, len(c.factories))
	for kind := range c.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
