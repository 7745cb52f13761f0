package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

// MessageBus queues inbound callback events between the webhook and the
// dispatch workers and fans dispatch events out to subscribers.
type MessageBus struct {
	inbound chan InboundEvent

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

// NewMessageBus creates a bus whose inbound queue holds up to size events.
// A non-positive size selects the default buffer.
func NewMessageBus(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}

	return &MessageBus{
		inbound:          make(chan InboundEvent, size),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// PublishInbound enqueues an event. It reports false when ctx is done or the bus is closed.
func (mb *MessageBus) PublishInbound(ctx context.Context, event InboundEvent) bool {
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
	case mb.inbound <- event:
		return true
	}
}

// ConsumeInbound blocks until an event is available, ctx is done or the bus closes.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundEvent, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return InboundEvent{}, false
	case <-mb.done:
		return InboundEvent{}, false
	case event := <-mb.inbound:
		return event, true
	}
}

// Pending returns the number of queued inbound events.
func (mb *MessageBus) Pending() int {
	return len(mb.inbound)
}

// Close stops the bus and closes every event subscription.
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
