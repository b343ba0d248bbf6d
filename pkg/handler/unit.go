package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle position of a Unit.
type State int32

const (
	StateLoading State = iota
	StateActive
	StateUnloading
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateUnloading:
		return "unloading"
	case StateUnloaded:
		return "unloaded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrNotLoading is returned by Activate on a unit that already left the
// Loading state.
var ErrNotLoading = errors.New("unit is not loading")

// HookError reports a failed or panicking hook of a named unit.
type HookError struct {
	Handler string
	Hook    string
	Err     error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("handler %s: %s hook: %v", e.Handler, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// Unit is one loaded handler together with its lifecycle state. Every call
// into the handler goes through the unit, which converts panics and
// timeouts into *HookError values carrying the unit name.
type Unit struct {
	name     string
	source   string
	handler  Handler
	timeout  time.Duration
	loadedAt time.Time

	state atomic.Int32

	// calls is held shared by Command and Event and exclusively by
	// Deactivate, so the unload hook never overlaps a running call.
	calls     sync.RWMutex
	successor atomic.Pointer[Unit]
}

// NewUnit wraps h in the Loading state. timeout bounds every hook invocation;
// zero disables the bound.
func NewUnit(name string, source string, h Handler, timeout time.Duration) *Unit {
	u := &Unit{
		name:    name,
		source:  source,
		handler: h,
		timeout: timeout,
	}
	u.state.Store(int32(StateLoading))
	return u
}

func (u *Unit) Name() string { return u.name }

func (u *Unit) Source() string { return u.source }

func (u *Unit) Handler() Handler { return u.handler }

func (u *Unit) LoadedAt() time.Time { return u.loadedAt }

// State returns the current lifecycle state.
func (u *Unit) State() State {
	return State(u.state.Load())
}

// Active reports whether the unit may serve commands and events.
func (u *Unit) Active() bool {
	return u.State() == StateActive
}

// Activate runs the load hook and moves the unit to Active. On failure the
// unit ends Unloaded and never becomes visible as Active.
func (u *Unit) Activate(ctx context.Context) error {
	if u.State() != StateLoading {
		return &HookError{Handler: u.name, Hook: "load", Err: ErrNotLoading}
	}

	if hook, ok := u.handler.(LoadHook); ok {
		if err := u.invoke(ctx, "load", hook.OnLoad); err != nil {
			u.state.Store(int32(StateUnloaded))
			return err
		}
	}

	u.loadedAt = time.Now().UTC()
	u.state.Store(int32(StateActive))
	return nil
}

// Supersede records next as the unit that replaced u. Calls that reach u
// after it stopped being active are forwarded to next.
func (u *Unit) Supersede(next *Unit) {
	if next != u {
		u.successor.Store(next)
	}
}

// Deactivate waits for in-flight calls, runs the unload hook and moves the
// unit to Unloaded. The hook error is returned for logging; the unit is
// unloaded either way.
func (u *Unit) Deactivate(ctx context.Context) error {
	if !u.state.CompareAndSwap(int32(StateActive), int32(StateUnloading)) {
		return nil
	}
	defer u.state.Store(int32(StateUnloaded))

	u.calls.Lock()
	defer u.calls.Unlock()

	if hook, ok := u.handler.(UnloadHook); ok {
		return u.invoke(ctx, "unload", hook.OnUnload)
	}

	return nil
}

// HandlesCommands reports whether the handler implements CommandHandler.
func (u *Unit) HandlesCommands() bool {
	_, ok := u.handler.(CommandHandler)
	return ok
}

// HandlesEvents reports whether the handler implements EventHandler.
func (u *Unit) HandlesEvents() bool {
	_, ok := u.handler.(EventHandler)
	return ok
}

// Command asks the handler to answer text. Units without the capability
// return NoReply, as do inactive units that were not superseded.
func (u *Unit) Command(ctx context.Context, text string, cc CommandContext) (Reply, error) {
	u.calls.RLock()
	if !u.Active() {
		u.calls.RUnlock()
		if next := u.successor.Load(); next != nil {
			return next.Command(ctx, text, cc)
		}
		return NoReply, nil
	}
	defer u.calls.RUnlock()

	h, ok := u.handler.(CommandHandler)
	if !ok {
		return NoReply, nil
	}

	var reply Reply
	err := u.invoke(ctx, "command", func(ctx context.Context) error {
		var err error
		reply, err = h.HandleCommand(ctx, text, cc)
		return err
	})
	if err != nil {
		return NoReply, err
	}

	return reply, nil
}

// Event delivers a membership event to the handler.
func (u *Unit) Event(ctx context.Context, kind EventKind, payload json.RawMessage) error {
	u.calls.RLock()
	if !u.Active() {
		u.calls.RUnlock()
		if next := u.successor.Load(); next != nil {
			return next.Event(ctx, kind, payload)
		}
		return nil
	}
	defer u.calls.RUnlock()

	h, ok := u.handler.(EventHandler)
	if !ok {
		return nil
	}

	return u.invoke(ctx, "event", func(ctx context.Context) error {
		return h.HandleEvent(ctx, kind, payload)
	})
}

// invoke runs fn on its own goroutine so that a panic or a hook that ignores
// its context cannot take the caller down with it. When the bound expires the
// caller is released and the hook goroutine is abandoned.
func (u *Unit) invoke(ctx context.Context, hook string, fn func(context.Context) error) error {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return &HookError{Handler: u.name, Hook: hook, Err: err}
		}
		return nil
	case <-ctx.Done():
		return &HookError{Handler: u.name, Hook: hook, Err: ctx.Err()}
	}
}
