package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qqbot/pkg/auth"
	"qqbot/pkg/bus"
	"qqbot/pkg/channel/qq"
	"qqbot/pkg/handler"
	"qqbot/pkg/registry"
)

type commandFunc func(ctx context.Context, text string, cc handler.CommandContext) (handler.Reply, error)

type commandUnit struct {
	fn    commandFunc
	calls atomic.Int64
}

func (u *commandUnit) Description() string { return "command" }

func (u *commandUnit) HandleCommand(ctx context.Context, text string, cc handler.CommandContext) (handler.Reply, error) {
	u.calls.Add(1)
	return u.fn(ctx, text, cc)
}

type eventUnit struct {
	err error

	mu    sync.Mutex
	kinds []handler.EventKind
}

func (u *eventUnit) Description() string { return "event" }

func (u *eventUnit) HandleEvent(_ context.Context, kind handler.EventKind, _ json.RawMessage) error {
	u.mu.Lock()
	u.kinds = append(u.kinds, kind)
	u.mu.Unlock()
	return u.err
}

func (u *eventUnit) seen() []handler.EventKind {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]handler.EventKind(nil), u.kinds...)
}

type staticUnits registry.Snapshot

func (s staticUnits) Snapshot() registry.Snapshot { return registry.Snapshot(s) }

func activeUnits(t *testing.T, handlers map[string]handler.Handler, order ...string) staticUnits {
	t.Helper()

	units := make(staticUnits, 0, len(order))
	for _, name := range order {
		unit := handler.NewUnit(name, name+".yaml", handlers[name], time.Second)
		if err := unit.Activate(context.Background()); err != nil {
			t.Fatalf("activate %s: %v", name, err)
		}
		units = append(units, unit)
	}
	return units
}

type fakeTokens struct {
	err         error
	calls       atomic.Int64
	invalidated atomic.Int64
}

func (f *fakeTokens) Get(context.Context) (auth.Credential, error) {
	f.calls.Add(1)
	if f.err != nil {
		return auth.Credential{}, f.err
	}
	return auth.Credential{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) Invalidate() { f.invalidated.Add(1) }

type fakeSender struct {
	err error

	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (f *fakeSender) Send(_ context.Context, token string, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token != "tok" {
		return errors.New("unexpected token " + token)
	}
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeSender) messages() []bus.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.OutboundMessage(nil), f.sent...)
}

func reply(text string) commandFunc {
	return func(context.Context, string, handler.CommandContext) (handler.Reply, error) {
		return handler.Text(text), nil
	}
}

func noReply(context.Context, string, handler.CommandContext) (handler.Reply, error) {
	return handler.NoReply, nil
}

const groupHelp = `{"op":0,"t":"GROUP_AT_MESSAGE_CREATE","d":{"id":"m1","content":"  /帮助 ","group_openid":"g1","author":{"member_openid":"u1"}}}`

func newTestDispatcher(t *testing.T, units SnapshotSource, tokens *fakeTokens, sender *fakeSender) (*Dispatcher, *bus.MessageBus) {
	t.Helper()

	mb := bus.NewMessageBus(16)
	t.Cleanup(mb.Close)
	return New(units, tokens, sender, mb, 2, nil), mb
}

func TestFirstMatchReplyIsSent(t *testing.T) {
	t.Parallel()

	a := &commandUnit{fn: noReply}
	b := &commandUnit{fn: reply("OK")}
	c := &commandUnit{fn: reply("later")}
	units := activeUnits(t, map[string]handler.Handler{"a": a, "b": b, "c": c}, "a", "b", "c")

	tokens := &fakeTokens{}
	sender := &fakeSender{}
	d, _ := newTestDispatcher(t, units, tokens, sender)

	d.HandleFrame(context.Background(), bus.InboundFrame{ID: "f1", Data: []byte(groupHelp)})

	sent := sender.messages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sent))
	}
	got := sent[0]
	if got.Body != "OK" || got.Channel != bus.ChannelGroup || got.TargetID != "g1" || got.InReplyToID != "m1" {
		t.Fatalf("outbound = %+v, want OK to group g1 replying m1", got)
	}
	if got.Sequence <= 0 {
		t.Fatalf("sequence = %d, want positive", got.Sequence)
	}
	if c.calls.Load() != 0 {
		t.Fatal("unit after the first reply was invoked")
	}
}

func TestCommandTextIsTrimmedAndContextPassed(t *testing.T) {
	t.Parallel()

	var gotText string
	var gotCC handler.CommandContext
	unit := &commandUnit{fn: func(_ context.Context, text string, cc handler.CommandContext) (handler.Reply, error) {
		gotText, gotCC = text, cc
		return handler.NoReply, nil
	}}
	units := activeUnits(t, map[string]handler.Handler{"a": unit}, "a")

	sender := &fakeSender{}
	tokens := &fakeTokens{}
	d, _ := newTestDispatcher(t, units, tokens, sender)
	d.HandleFrame(context.Background(), bus.InboundFrame{ID: "f1", Data: []byte(groupHelp)})

	if gotText != "/帮助" {
		t.Fatalf("text = %q, want trimmed /帮助", gotText)
	}
	if gotCC.GroupID != "g1" || gotCC.MemberID != "u1" || gotCC.UserID != "" {
		t.Fatalf("context = %+v, want group g1 member u1", gotCC)
	}
	if len(sender.messages()) != 0 || tokens.calls.Load() != 0 {
		t.Fatal("expected nothing sent without a reply")
	}
}

func TestDirectMessageRoutesToUser(t *testing.T) {
	t.Parallel()

	units := activeUnits(t, map[string]handler.Handler{"a": &commandUnit{fn: reply("hey")}}, "a")
	sender := &fakeSender{}
	d, _ := newTestDispatcher(t, units, &fakeTokens{}, sender)

	raw := `{"op":0,"t":"C2C_MESSAGE_CREATE","d":{"id":"m9","content":"hi","author":{"user_openid":"u9"}}}`
	d.HandleFrame(context.Background(), bus.InboundFrame{ID: "f1", Data: []byte(raw)})
	d.HandleFrame(context.Background(), bus.InboundFrame{ID: "f2", Data: []byte(raw)})

	sent := sender.messages()
	if len(sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(sent))
	}
	if sent[0].Channel != bus.ChannelDirectUser || sent[0].TargetID != "u9" || sent[0].InReplyToID != "m9" {
		t.Fatalf("outbound = %+v, want direct reply to u9", sent[0])
	}
	if sent[0].Sequence == sent[1].Sequence {
		t.Fatal("expected a fresh sequence number per reply")
	}
}

func TestFailingHandlerDoesNotStopIteration(t *testing.T) {
	t.Parallel()

	broken := &commandUnit{fn: func(context.Context, string, handler.CommandContext) (handler.Reply, error) {
		panic("handler bug")
	}}
	units := activeUnits(t, map[string]handler.Handler{"a": broken, "b": &commandUnit{fn: reply("OK")}}, "a", "b")
	sender := &fakeSender{}
	d, mb := newTestDispatcher(t, units, &fakeTokens{}, sender)

	events, unsubscribe := mb.SubscribeEvents(context.Background(), 8)
	defer unsubscribe()

	d.HandleFrame(context.Background(), bus.InboundFrame{ID: "f1", Data: []byte(groupHelp)})

	if sent := sender.messages(); len(sent) != 1 || sent[0].Body != "OK" {
		t.Fatalf("sent = %+v, want one OK", sent)
	}
	if !sawEvent(events, bus.EventHandlerFailed) {
		t.Fatal("expected handler_failed event")
	}
}

func TestMembershipFansOutToAllUnits(t *testing.T) {
	t.Parallel()

	first := &eventUnit{err: errors.New("db locked")}
	second := &eventUnit{}
	units := activeUnits(t, map[string]handler.Handler{
		"a": first,
		"b": &commandUnit{fn: reply("never")},
		"c": second,
	}, "a", "b", "c")
	sender := &fakeSender{}
	d, _ := newTestDispatcher(t, units, &fakeTokens{}, sender)

	raw := `{"op":0,"t":"GROUP_ADD_ROBOT","d":{"group_openid":"g1","op_member_openid":"u1"}}`
	d.HandleFrame(context.Background(), bus.InboundFrame{ID: "f1", Data: []byte(raw)})

	for name, unit := range map[string]*eventUnit{"a": first, "c": second} {
		if got := unit.seen(); len(got) != 1 || got[0] != handler.EventGroupAddRobot {
			t.Fatalf("unit %s saw %v, want one GROUP_ADD_ROBOT", name, got)
		}
	}
	if len(sender.messages()) != 0 {
		t.Fatal("membership events must not send replies")
	}
}

func TestMalformedFrameIsDropped(t *testing.T) {
	t.Parallel()

	unit := &commandUnit{fn: reply("OK")}
	units := activeUnits(t, map[string]handler.Handler{"a": unit}, "a")
	sender := &fakeSender{}
	d, mb := newTestDispatcher(t, units, &fakeTokens{}, sender)

	events, unsubscribe := mb.SubscribeEvents(context.Background(), 8)
	defer unsubscribe()

	d.HandleFrame(context.Background(), bus.InboundFrame{ID: "f1", Data: []byte(`{"op":0,"t":"GROUP_AT_MESSAGE_CREATE","d":{"id":"m1"}}`)})

	if unit.calls.Load() != 0 || len(sender.messages()) != 0 {
		t.Fatal("malformed frame reached a handler")
	}
	if !sawEvent(events, bus.EventFrameDropped) {
		t.Fatal("expected frame_dropped event")
	}
}

func TestAuthErrorAbandonsSend(t *testing.T) {
	t.Parallel()

	units := activeUnits(t, map[string]handler.Handler{"a": &commandUnit{fn: reply("OK")}}, "a")
	tokens := &fakeTokens{err: &auth.AuthError{Status: 500, Message: "down"}}
	sender := &fakeSender{}
	d, mb := newTestDispatcher(t, units, tokens, sender)

	events, unsubscribe := mb.SubscribeEvents(context.Background(), 8)
	defer unsubscribe()

	d.HandleFrame(context.Background(), bus.InboundFrame{ID: "f1", Data: []byte(groupHelp)})

	if len(sender.messages()) != 0 {
		t.Fatal("expected send to be abandoned")
	}
	if tokens.calls.Load() != 1 {
		t.Fatalf("token calls = %d, want 1 (no retry)", tokens.calls.Load())
	}
	if !sawEvent(events, bus.EventReplyFailed) {
		t.Fatal("expected reply_failed event")
	}
}

func TestUnauthorizedDeliveryInvalidatesToken(t *testing.T) {
	t.Parallel()

	units := activeUnits(t, map[string]handler.Handler{"a": &commandUnit{fn: reply("OK")}}, "a")
	tokens := &fakeTokens{}
	sender := &fakeSender{err: &qq.DeliveryError{Channel: bus.ChannelGroup, TargetID: "g1", Status: 401}}
	d, _ := newTestDispatcher(t, units, tokens, sender)

	d.HandleFrame(context.Background(), bus.InboundFrame{ID: "f1", Data: []byte(groupHelp)})

	if got := tokens.invalidated.Load(); got != 1 {
		t.Fatalf("invalidations = %d, want 1", got)
	}
	if got := len(sender.messages()); got != 1 {
		t.Fatalf("send attempts = %d, want 1", got)
	}
}

func TestOnFrameDoesNotRunHandlers(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	unit := &commandUnit{fn: func(context.Context, string, handler.CommandContext) (handler.Reply, error) {
		<-release
		return handler.NoReply, nil
	}}
	units := activeUnits(t, map[string]handler.Handler{"a": unit}, "a")
	d, mb := newTestDispatcher(t, units, &fakeTokens{}, &fakeSender{})
	defer close(release)

	returned := make(chan struct{})
	go func() {
		d.OnFrame(context.Background(), []byte(groupHelp))
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("OnFrame blocked on handler work")
	}
	if got := mb.Pending(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
	if unit.calls.Load() != 0 {
		t.Fatal("handler ran on the caller's goroutine")
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var (
		active  atomic.Int64
		peak    atomic.Int64
		handled atomic.Int64
	)
	unit := &commandUnit{fn: func(context.Context, string, handler.CommandContext) (handler.Reply, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		handled.Add(1)
		return handler.NoReply, nil
	}}
	units := activeUnits(t, map[string]handler.Handler{"a": unit}, "a")
	d, _ := newTestDispatcher(t, units, &fakeTokens{}, &fakeSender{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	const frames = 10
	for range frames {
		d.OnFrame(ctx, []byte(groupHelp))
	}

	deadline := time.Now().Add(3 * time.Second)
	for handled.Load() < frames && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if got := handled.Load(); got != frames {
		t.Fatalf("handled = %d, want %d", got, frames)
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency = %d, want at most 2 workers", got)
	}
}

func TestDrainHandlesQueuedFramesThenReturns(t *testing.T) {
	t.Parallel()

	units := activeUnits(t, map[string]handler.Handler{"a": &commandUnit{fn: reply("OK")}}, "a")
	sender := &fakeSender{}
	d, mb := newTestDispatcher(t, units, &fakeTokens{}, sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const frames = 5
	for range frames {
		d.OnFrame(ctx, []byte(groupHelp))
	}
	d.Drain()
	d.Drain()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after draining")
	}

	if got := len(sender.messages()); got != frames {
		t.Fatalf("sent = %d, want %d", got, frames)
	}
	if got := mb.Pending(); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}

func sawEvent(events <-chan bus.Event, want bus.EventType) bool {
	for {
		select {
		case event := <-events:
			if event.Type == want {
				return true
			}
		default:
			return false
		}
	}
}

func TestFirstReplyAnswersAcrossReload(t *testing.T) {
	t.Parallel()

	catalog := registry.NewCatalog()
	catalog.Register("versioned", func(_ context.Context, manifest registry.Manifest) (handler.Handler, error) {
		var settings struct {
			Reply string `yaml:"reply"`
		}
		if err := manifest.DecodeSettings(&settings); err != nil {
			return nil, err
		}
		return &commandUnit{fn: reply(settings.Reply)}, nil
	})
	reg := registry.New(registry.Options{Loaders: registry.DefaultLoaders(catalog)}, nil)
	t.Cleanup(func() { reg.Close(context.Background()) })

	path := filepath.Join(t.TempDir(), "versioned.yaml")
	write := func(content string) {
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}
	write("kind: versioned\nsettings:\n  reply: old\n")
	if _, err := reg.Load(context.Background(), path); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	snapshot := reg.Snapshot()
	write("kind: versioned\nsettings:\n  reply: new\n")
	if _, err := reg.Reload(context.Background(), path); err != nil {
		t.Fatalf("Reload error: %v", err)
	}

	name, got := FirstReply(context.Background(), snapshot, "/ping", handler.CommandContext{GroupID: "g1"}, nil)
	if name != "versioned" || got.String() != "new" {
		t.Fatalf("FirstReply = (%q, %q), want (versioned, new)", name, got)
	}
}
