package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"qqbot/pkg/auth"
	"qqbot/pkg/channel"
	"qqbot/pkg/config"
	"qqbot/pkg/dispatch"
	"qqbot/pkg/handler"
	"qqbot/pkg/scheduler"
)

const (
	defaultHealthHost = "0.0.0.0"
	prewarmJobName    = "token_prewarm"
)

// Deps are the platform-facing collaborators of a Service.
type Deps struct {
	Adapter channel.Adapter
	Tokens  auth.Source
	Sender  dispatch.Sender
}

type Service struct {
	cfg        *config.Config
	log        *slog.Logger
	runtime    *Runtime
	tokens     *auth.Cache
	dispatcher *dispatch.Dispatcher
	adapter    channel.Adapter
	scheduler  *scheduler.Scheduler

	mu            sync.RWMutex
	startedAt     time.Time
	channelStates map[string]channelState
}

type channelState struct {
	Running   bool   `json:"running"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Handlers      []string                `json:"handlers"`
	QueuedFrames  int                     `json:"queued_frames"`
	Channels      map[string]channelState `json:"channels"`
}

type unitResponse struct {
	Name         string   `json:"name"`
	Source       string   `json:"source"`
	State        string   `json:"state"`
	Capabilities []string `json:"capabilities"`
	LoadedAt     string   `json:"loaded_at,omitempty"`
}

func NewService(cfg *config.Config, deps Deps, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if deps.Adapter == nil {
		return nil, errors.New("channel adapter is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("token source is required")
	}
	if deps.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if log == nil {
		log = slog.Default()
	}

	rt, err := NewRuntime(cfg, log)
	if err != nil {
		return nil, err
	}

	tokens := auth.NewCache(rt.Metrics.InstrumentSource(deps.Tokens), log)
	dispatcher := dispatch.New(rt.Registry, tokens, deps.Sender, rt.Bus, cfg.Dispatch.Workers, log)

	var jobs *scheduler.Scheduler
	if expr := strings.TrimSpace(cfg.Scheduler.TokenPrewarm); expr != "" {
		jobs, err = scheduler.New(log)
		if err != nil {
			return nil, err
		}
		ahead := cfg.Scheduler.PrewarmAhead
		if err := jobs.AddCron(prewarmJobName, expr, func(ctx context.Context) error {
			return tokens.Prewarm(ctx, ahead)
		}); err != nil {
			return nil, fmt.Errorf("schedule token prewarm: %w", err)
		}
	}

	return &Service{
		cfg:        cfg,
		log:        log.With("component", "gateway.service"),
		runtime:    rt,
		tokens:     tokens,
		dispatcher: dispatcher,
		adapter:    deps.Adapter,
		scheduler:  jobs,
		channelStates: map[string]channelState{
			deps.Adapter.Name(): {},
		},
	}, nil
}

// Run loads the handler directory and serves until ctx ends or the event
// stream finishes. A clean end of the stream returns nil; a transport
// failure is returned so the caller can exit non-zero.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.runtime.Load(ctx); err != nil {
		s.log.Warn("Some handlers failed to load", "error", err)
	}
	defer s.runtime.Close(context.WithoutCancel(ctx))

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	dispatched := make(chan struct{})
	g.Go(func() error {
		defer close(dispatched)
		return s.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return s.runtime.Metrics.Observe(gctx, s.runtime.Bus)
	})
	if watcher := s.runtime.Watcher(); watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}
	if s.scheduler != nil {
		g.Go(func() error {
			return s.scheduler.Run(gctx)
		})
	}
	if s.cfg.Gateway.Port > 0 {
		g.Go(func() error {
			return s.runStatusServer(gctx)
		})
	}

	g.Go(func() error {
		name := s.adapter.Name()
		s.setChannelState(name, channelState{Running: true})

		err := s.adapter.Run(gctx, s.dispatcher.OnFrame)
		s.setChannelState(name, channelState{Running: false, Error: errorString(err)})
		if err != nil {
			return fmt.Errorf("run %s channel: %w", name, err)
		}

		s.log.Info("Event stream ended, shutting down", "channel", name, "pending", s.runtime.Bus.Pending())
		s.drain(gctx, dispatched)
		stop()
		return nil
	})

	return g.Wait()
}

// drain lets the dispatcher finish frames received before a normal close,
// bounded by dispatch.drain_timeout.
func (s *Service) drain(ctx context.Context, dispatched <-chan struct{}) {
	grace := s.cfg.Dispatch.DrainTimeout
	if grace <= 0 {
		return
	}

	s.dispatcher.Drain()
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-dispatched:
	case <-ctx.Done():
	case <-timer.C:
		s.log.Warn("Drain timed out, dropping queued frames", "timeout", grace, "pending", s.runtime.Bus.Pending())
	}
}

// Tokens exposes the shared credential cache.
func (s *Service) Tokens() *auth.Cache {
	return s.tokens
}

func (s *Service) runStatusServer(ctx context.Context) error {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	addr := host + ":" + strconv.Itoa(s.cfg.Gateway.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start status server: %w", err)
	}
	return nil
}

func (s *Service) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/handlers", s.handleUnits).Methods(http.MethodGet)
	r.HandleFunc("/handlers/{name}", s.handleUnit).Methods(http.MethodGet)
	r.Handle("/metrics", s.runtime.Metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) handleUnits(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.runtime.Registry.Snapshot()
	units := make([]unitResponse, 0, snapshot.Len())
	for _, unit := range snapshot {
		units = append(units, describeUnit(unit))
	}
	s.respondJSON(w, http.StatusOK, units)
}

func (s *Service) handleUnit(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	unit := s.runtime.Registry.Snapshot().Lookup(name)
	if unit == nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "handler not loaded: " + name})
		return
	}
	s.respondJSON(w, http.StatusOK, describeUnit(unit))
}

func describeUnit(unit *handler.Unit) unitResponse {
	resp := unitResponse{
		Name:         unit.Name(),
		Source:       unit.Source(),
		State:        unit.State().String(),
		Capabilities: handler.Capabilities(unit.Handler()),
	}
	if loaded := unit.LoadedAt(); !loaded.IsZero() {
		resp.LoadedAt = loaded.UTC().Format(time.RFC3339)
	}
	return resp
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	s.respondJSON(w, statusCode, s.currentStatus(status))
}

func (s *Service) respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		state.Connected = s.connected(state)
		channels[name] = state
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Handlers:      s.runtime.Registry.Snapshot().Names(),
		QueuedFrames:  s.runtime.Bus.Pending(),
		Channels:      channels,
	}
}

// isReady requires an open event stream and at least one active handler.
func (s *Service) isReady() bool {
	if s.runtime.Registry.Snapshot().Len() == 0 {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, state := range s.channelStates {
		if s.connected(state) {
			return true
		}
	}
	return false
}

// connected falls back to the running flag for adapters that cannot report
// their connection.
func (s *Service) connected(state channelState) bool {
	if !state.Running {
		return false
	}
	if c, ok := s.adapter.(channel.Connected); ok {
		return c.Connected()
	}
	return true
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
