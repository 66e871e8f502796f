package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUnavailable wraps every publish or subscribe failure.
var ErrUnavailable = errors.New("bus unavailable")

// Bus carries opaque payloads on named channels to every subscriber,
// the publishing process included.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns the message stream and a function that ends the
	// subscription. The stream is closed if the backend drops the
	// subscription; readers also stop on their own context.
	Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error)
	Ping(ctx context.Context) error
}

// Local is an in-process Bus for single-instance deployments.
type Local struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	bufSize int
}

type subscription struct {
	channel string
	ch      chan Message
	done    chan struct{}
	once    sync.Once
}

// NewLocal creates an in-process bus; bufSize is each subscriber's buffer.
func NewLocal(bufSize int) *Local {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Local{
		subs:    make(map[int]*subscription),
		bufSize: bufSize,
	}
}

// Publish delivers payload to every subscriber of channel. Order across
// subscribers is unspecified; each subscriber sees its channel's messages
// in publish order. A full subscriber buffer applies backpressure instead
// of dropping; the wait ends when ctx is cancelled or the subscriber
// unsubscribes.
func (b *Local) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.channel == channel {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...), Timestamp: time.Now()}
	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return errors.Join(ErrUnavailable, ctx.Err())
		}
	}
	return nil
}

// Ping always succeeds; the in-process bus cannot be unreachable.
func (b *Local) Ping(context.Context) error { return nil }

// Subscribe registers a subscriber for channel.
func (b *Local) Subscribe(_ context.Context, channel string) (<-chan Message, func(), error) {
	sub := &subscription{
		channel: channel,
		ch:      make(chan Message, b.bufSize),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		sub.once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.done)
		})
	}, nil
}
