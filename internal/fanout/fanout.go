// Package fanout carries chat events between relay instances over the bus.
// Every subscribed instance, the publisher included, sees every event.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/chat"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrBadEvent is returned for payloads that are not valid events.
var ErrBadEvent = errors.New("bad fan-out event")

// Op is the mutation an event carries.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is the bus payload. Origin is the id of the instance that accepted
// the client command.
type Event struct {
	Op        Op            `json:"op"`
	Origin    string        `json:"origin"`
	Message   *chat.Message `json:"message,omitempty"`
	MessageID string        `json:"messageId,omitempty"`
}

// Validate checks that the event carries what its op needs.
func (e Event) Validate() error {
	switch e.Op {
	case OpCreate, OpUpdate:
		if e.Message == nil || e.Message.ID == "" {
			return fmt.Errorf("%w: %s without message id", ErrBadEvent, e.Op)
		}
	case OpDelete:
		if e.MessageID == "" {
			return fmt.Errorf("%w: delete without messageId", ErrBadEvent)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrBadEvent, e.Op)
	}
	return nil
}

// Marshal encodes e for the bus.
func Marshal(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Unmarshal decodes and validates a bus payload.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	return e, e.Validate()
}

// Handler is invoked once per event, in bus order, from a single goroutine.
type Handler func(ctx context.Context, e Event)

// Adapter publishes events to one bus channel and feeds subscribed events to
// a handler.
type Adapter struct {
	bus     bus.Bus
	channel string
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(b bus.Bus, channel string, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{bus: b, channel: channel, logger: logger.Named("fanout")}
}

// Publish sends e to every subscribed instance. Failures wrap
// bus.ErrUnavailable.
func (a *Adapter) Publish(ctx context.Context, e Event) error {
	data, err := Marshal(e)
	if err != nil {
		return err
	}
	return a.bus.Publish(ctx, a.channel, data)
}

// Start subscribes and runs h for each event until Stop or ctx ends.
func (a *Adapter) Start(ctx context.Context, h Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errors.New("fanout already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	ch, unsub, err := a.bus.Subscribe(ctx, a.channel)
	if err != nil {
		cancel()
		return err
	}
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		defer unsub()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					a.logger.Error("bus subscription closed", zap.String("channel", a.channel))
					return
				}
				e, err := Unmarshal(msg.Payload)
				if err != nil {
					a.logger.Warn("dropping bus payload", zap.Error(err))
					continue
				}
				h(ctx, e)
			case <-ctx.Done():
				return
			}
		}
	}()

	a.logger.Info("subscribed", zap.String("channel", a.channel))
	return nil
}

// Stop ends the subscription and waits for the handler loop to exit.
func (a *Adapter) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
