package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventFrameReceived EventType = "frame_received"
	EventFrameDropped  EventType = "frame_dropped"
	EventReplySent     EventType = "reply_sent"
	EventReplyFailed   EventType = "reply_failed"
	EventHandlerFailed EventType = "handler_failed"
)

type Event struct {
	Type          EventType         `json:"type"`
	At            time.Time         `json:"at"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Channel       ChannelKind       `json:"channel,omitempty"`
	TargetID      string            `json:"target_id,omitempty"`
	Handler       string            `json:"handler,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Payload       map[string]string `json:"payload,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	// Held across the sends so unsubscribe cannot close a channel mid-send.
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	for _, ch := range mb.eventSubscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}

	return true
}

func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
