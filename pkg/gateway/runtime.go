package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"qqbot/pkg/bus"
	"qqbot/pkg/config"
	"qqbot/pkg/metrics"
	"qqbot/pkg/registry"
)

// Runtime owns the handler registry and the buses around it. The gateway
// service and the local console both build on one.
type Runtime struct {
	Registry *registry.Registry
	Bus      *bus.MessageBus
	Metrics  *metrics.Metrics

	cfg     *config.Config
	baseLog *slog.Logger
	log     *slog.Logger
}

func NewRuntime(cfg *config.Config, log *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	m := metrics.New()
	reg := registry.New(registry.Options{
		HandlerTimeout: cfg.Dispatch.HandlerTimeout,
		OnChange: func(snapshot registry.Snapshot) {
			m.SetActiveHandlers(snapshot.Len())
		},
	}, log)

	return &Runtime{
		Registry: reg,
		Bus:      bus.NewMessageBus(cfg.Dispatch.QueueSize),
		Metrics:  m,
		cfg:      cfg,
		baseLog:  log,
		log:      log.With("component", "gateway.runtime"),
	}, nil
}

// Load creates the handler directory if needed and loads every source in
// it. Individual failures are logged by the registry and returned joined;
// the units that did load stay active.
func (rt *Runtime) Load(ctx context.Context) error {
	dir := strings.TrimSpace(rt.cfg.Plugins.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create handler directory: %w", err)
	}

	return rt.Registry.LoadAll(ctx, dir)
}

// Watcher returns a watcher for the handler directory, or nil when hot
// reload is disabled.
func (rt *Runtime) Watcher() *registry.Watcher {
	if !rt.cfg.Plugins.Watch {
		return nil
	}
	return registry.NewWatcher(rt.Registry, rt.cfg.Plugins.Dir, rt.cfg.Plugins.Debounce, rt.baseLog)
}

// Close unloads every unit and closes the bus.
func (rt *Runtime) Close(ctx context.Context) {
	rt.Registry.Close(ctx)
	rt.Bus.Close()
	rt.log.Debug("Runtime closed")
}
