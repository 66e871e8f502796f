package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Bus on Redis pub/sub, shared by every relay instance pointed
// at the same server.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a bus that publishes and subscribes through client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Publish sends payload to every subscriber of channel on any instance.
func (b *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, channel, err)
	}
	return nil
}

// Ping checks the connection to the Redis server.
func (b *Redis) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}

// Subscribe waits for the server to confirm the subscription before returning,
// so a publish issued afterwards is guaranteed to be received.
func (b *Redis) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, channel, err)
	}

	out := make(chan Message, 256)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for m := range ps.Channel() {
			select {
			case out <- Message{Channel: m.Channel, Payload: []byte(m.Payload), Timestamp: time.Now()}:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}, nil
}
