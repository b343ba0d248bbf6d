package bus

import (
	"context"
	"sync"
)

const DefaultBufferSize = 256

// MessageBus is the FIFO queue between the connection's receive loop and the
// dispatch workers, plus a fan-out of runtime events.
type MessageBus struct {
	inbound chan InboundFrame

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus(bufferSize int) *MessageBus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	return &MessageBus{
		inbound:          make(chan InboundFrame, bufferSize),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// PublishInbound queues a frame, waiting for a free slot when the buffer is
// full. It returns false if ctx ends or the bus is closed first.
func (mb *MessageBus) PublishInbound(ctx context.Context, frame InboundFrame) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.inbound <- frame:
		return true
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundFrame, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return InboundFrame{}, false
	case <-mb.done:
		return InboundFrame{}, false
	case frame := <-mb.inbound:
		return frame, true
	}
}

// TryConsumeInbound returns a queued frame without waiting. It reports false
// when the queue is empty or the bus is closed.
func (mb *MessageBus) TryConsumeInbound() (InboundFrame, bool) {
	select {
	case <-mb.done:
		return InboundFrame{}, false
	default:
	}

	select {
	case frame := <-mb.inbound:
		return frame, true
	default:
		return InboundFrame{}, false
	}
}

// Pending returns the number of queued frames.
func (mb *MessageBus) Pending() int {
	return len(mb.inbound)
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}
