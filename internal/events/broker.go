package events

import (
	"context"
	"sync"
	"time"
)

// DefaultBufferSize is the per-subscriber channel buffer. Subscribers that
// fall further behind than this lose events rather than block publishers.
const DefaultBufferSize = 64

// Broker fans Events out to any number of subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event. All methods
// are safe for concurrent use.
type Broker struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	closed  bool
	bufSize int
}

// NewBroker creates a Broker with the default subscriber buffer size.
func NewBroker() *Broker {
	return NewBrokerWithBuffer(DefaultBufferSize)
}

// NewBrokerWithBuffer creates a Broker with a custom per-subscriber buffer.
// Sizes <= 0 fall back to DefaultBufferSize.
func NewBrokerWithBuffer(bufSize int) *Broker {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Broker{
		subs:    make(map[chan Event]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe registers a new subscriber. The returned channel receives every
// event published after registration until ctx is cancelled or the broker is
// closed, at which point the channel is closed.
func (b *Broker) Subscribe(ctx context.Context) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		b.unsubscribe(ch)
	}()

	return ch
}

func (b *Broker) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish stamps and delivers an event to every current subscriber without
// blocking.
func (b *Broker) Publish(tag Tag, payload any) {
	b.publish(Event{Tag: tag, At: time.Now(), Payload: payload})
}

func (b *Broker) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// subscriber buffer full, drop
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel and rejects further publishes.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
