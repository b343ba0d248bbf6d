// Package dispatch routes decoded frames to handler units and delivers their
// replies.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"qqbot/pkg/auth"
	"qqbot/pkg/bus"
	"qqbot/pkg/channel/qq"
	"qqbot/pkg/handler"
	"qqbot/pkg/registry"
)

const DefaultWorkers = 10

// SnapshotSource yields the units that should see the next event.
type SnapshotSource interface {
	Snapshot() registry.Snapshot
}

type TokenSource interface {
	Get(ctx context.Context) (auth.Credential, error)
}

type Sender interface {
	Send(ctx context.Context, token string, msg bus.OutboundMessage) error
}

// invalidator is implemented by token sources that can drop a rejected token.
type invalidator interface {
	Invalidate()
}

type Dispatcher struct {
	units   SnapshotSource
	tokens  TokenSource
	sender  Sender
	bus     *bus.MessageBus
	workers int
	log     *slog.Logger

	seq       atomic.Int64
	draining  chan struct{}
	drainOnce sync.Once
}

func New(units SnapshotSource, tokens TokenSource, sender Sender, mb *bus.MessageBus, workers int, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}

	return &Dispatcher{
		units:   units,
		tokens:  tokens,
		sender:  sender,
		bus:     mb,
		workers:  workers,
		log:      log.With("component", "dispatch"),
		draining: make(chan struct{}),
	}
}

// OnFrame queues a raw frame for the workers. It never runs handlers on the
// caller's goroutine; when every slot is taken it waits for one.
func (d *Dispatcher) OnFrame(ctx context.Context, raw []byte) {
	frame := bus.InboundFrame{
		ID:         uuid.NewString(),
		Data:       raw,
		ReceivedAt: time.Now().UTC(),
	}

	d.bus.PublishEvent(ctx, bus.Event{Type: bus.EventFrameReceived, CorrelationID: frame.ID})
	if !d.bus.PublishInbound(ctx, frame) {
		d.log.Debug("Frame not queued, dispatcher stopping", "correlation_id", frame.ID)
		d.bus.PublishEvent(context.WithoutCancel(ctx), bus.Event{Type: bus.EventFrameDropped, CorrelationID: frame.ID, Reason: "stopped"})
	}
}

// Run consumes queued frames on a fixed pool of workers until ctx ends, the
// bus is closed, or Drain was called and the queue is empty.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()
	go func() {
		select {
		case <-d.draining:
			stopWaiting()
		case <-waitCtx.Done():
		}
	}()

	for range d.workers {
		g.Go(func() error {
			for {
				frame, ok := d.bus.ConsumeInbound(waitCtx)
				if !ok {
					break
				}
				d.HandleFrame(ctx, frame)
			}

			for ctx.Err() == nil {
				frame, ok := d.bus.TryConsumeInbound()
				if !ok {
					return nil
				}
				d.HandleFrame(ctx, frame)
			}
			return nil
		})
	}

	d.log.Info("Dispatcher started", "workers", d.workers)
	err := g.Wait()
	d.log.Info("Dispatcher stopped", "pending", d.bus.Pending())
	return err
}

// Drain tells Run to handle what is already queued and then return instead
// of waiting for more frames. Replies in flight are not interrupted.
func (d *Dispatcher) Drain() {
	d.drainOnce.Do(func() {
		close(d.draining)
	})
}

// HandleFrame decodes and handles one frame synchronously.
func (d *Dispatcher) HandleFrame(ctx context.Context, frame bus.InboundFrame) {
	event, err := Decode(frame.ID, frame.Data)
	if err != nil {
		d.log.Warn("Dropping malformed frame", "correlation_id", frame.ID, "error", err)
		d.bus.PublishEvent(ctx, bus.Event{Type: bus.EventFrameDropped, CorrelationID: frame.ID, Reason: "malformed", Error: err.Error()})
		return
	}

	switch event.Class {
	case bus.ClassMembership:
		d.notify(ctx, event)
	case bus.ClassMessage:
		d.answer(ctx, event)
	default:
		d.log.Debug("Ignoring frame", "correlation_id", frame.ID, "type", event.Type)
	}
}

func (d *Dispatcher) notify(ctx context.Context, event bus.InboundEvent) {
	for _, unit := range d.units.Snapshot() {
		if !unit.HandlesEvents() {
			continue
		}
		if err := unit.Event(ctx, event.Type, event.Payload); err != nil {
			d.handlerFailed(ctx, event.CorrelationID, unit.Name(), err)
		}
	}
}

func (d *Dispatcher) answer(ctx context.Context, event bus.InboundEvent) {
	msg, err := parseMessage(event.Type, event.Payload)
	if err != nil {
		d.log.Warn("Dropping malformed message", "correlation_id", event.CorrelationID, "error", err)
		return
	}

	text := strings.TrimSpace(*msg.Content)
	cc := handler.CommandContext{
		GroupID:  msg.GroupOpenID,
		MemberID: msg.Author.MemberOpenID,
		UserID:   msg.Author.UserOpenID,
	}

	name, reply := FirstReply(ctx, d.units.Snapshot(), text, cc, func(unit string, err error) {
		d.handlerFailed(ctx, event.CorrelationID, unit, err)
	})
	if !reply.Present() {
		d.log.Debug("No handler replied", "correlation_id", event.CorrelationID, "type", event.Type)
		return
	}

	out := bus.OutboundMessage{
		Body:        reply.String(),
		InReplyToID: msg.ID,
		Sequence:    d.seq.Add(1),
	}
	if event.Type == handler.EventGroupAtMessage {
		out.Channel = bus.ChannelGroup
		out.TargetID = msg.GroupOpenID
	} else {
		out.Channel = bus.ChannelDirectUser
		out.TargetID = msg.Author.UserOpenID
	}

	d.log.Info("Handler replied", "correlation_id", event.CorrelationID, "handler", name, "channel", out.Channel, "target_id", out.TargetID)
	d.deliver(ctx, event.CorrelationID, out)
}

func (d *Dispatcher) deliver(ctx context.Context, correlationID string, out bus.OutboundMessage) {
	cred, err := d.tokens.Get(ctx)
	if err != nil {
		d.log.Error("Abandoning reply without access token", "correlation_id", correlationID, "error", err)
		d.replyFailed(ctx, correlationID, out, "auth", err)
		return
	}

	if err := d.sender.Send(ctx, cred.Token, out); err != nil {
		var deliveryErr *qq.DeliveryError
		if errors.As(err, &deliveryErr) && deliveryErr.Status == 401 {
			if inv, ok := d.tokens.(invalidator); ok {
				inv.Invalidate()
			}
		}
		d.log.Error("Reply delivery failed", "correlation_id", correlationID, "error", err)
		d.replyFailed(ctx, correlationID, out, "delivery", err)
		return
	}

	d.bus.PublishEvent(ctx, bus.Event{
		Type:          bus.EventReplySent,
		CorrelationID: correlationID,
		Channel:       out.Channel,
		TargetID:      out.TargetID,
	})
}

func (d *Dispatcher) replyFailed(ctx context.Context, correlationID string, out bus.OutboundMessage, reason string, err error) {
	d.bus.PublishEvent(ctx, bus.Event{
		Type:          bus.EventReplyFailed,
		CorrelationID: correlationID,
		Channel:       out.Channel,
		TargetID:      out.TargetID,
		Reason:        reason,
		Error:         err.Error(),
	})
}

func (d *Dispatcher) handlerFailed(ctx context.Context, correlationID string, unit string, err error) {
	d.log.Error("Handler failed", "correlation_id", correlationID, "handler", unit, "error", err)
	d.bus.PublishEvent(ctx, bus.Event{
		Type:          bus.EventHandlerFailed,
		CorrelationID: correlationID,
		Handler:       unit,
		Error:         err.Error(),
	})
}

// FirstReply offers text to each command-capable unit in snapshot order and
// returns the first present reply together with the unit that produced it.
// A failing unit is reported through onError and counts as no reply.
func FirstReply(ctx context.Context, snapshot registry.Snapshot, text string, cc handler.CommandContext, onError func(unit string, err error)) (string, handler.Reply) {
	text = strings.TrimSpace(text)
	for _, unit := range snapshot {
		if !unit.HandlesCommands() {
			continue
		}

		reply, err := unit.Command(ctx, text, cc)
		if err != nil {
			if onError != nil {
				onError(unit.Name(), err)
			}
			continue
		}
		if reply.Present() {
			return unit.Name(), reply
		}
	}

	return "", handler.NoReply
}
