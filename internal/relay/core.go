// Package relay is the chat relay core. It interprets client commands,
// keeps presence and offline queues current, and turns bus events into
// frames for the connections held by this instance.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/envelope"
	"github.com/matheus3301/relay/internal/fanout"
	"github.com/matheus3301/relay/internal/metrics"
	"github.com/matheus3301/relay/internal/presence"
	"github.com/matheus3301/relay/internal/queue"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/store"
)

// ErrNotIdentified is returned for chat commands sent before connect.
var ErrNotIdentified = errors.New("connection not identified")

// Config holds the core's tunables.
type Config struct {
	// InstanceID identifies this process in presence references and as the
	// origin of the events it publishes.
	InstanceID string
	// CloseTimeout bounds the store writes a disconnect triggers.
	CloseTimeout time.Duration
}

// Core is shared by every connection of one relay instance.
type Core struct {
	cfg      Config
	presence *presence.Store
	queue    *queue.Queue
	registry *registry.Registry
	fanout   *fanout.Adapter
	logger   *zap.Logger

	now   func() time.Time
	newID func() string

	// pending tracks fire-and-forget disconnect work.
	pending sync.WaitGroup
}

// New wires a core. logger may be nil.
func New(cfg Config, p *presence.Store, q *queue.Queue, r *registry.Registry, f *fanout.Adapter, logger *zap.Logger) *Core {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}
	return &Core{
		cfg:      cfg,
		presence: p,
		queue:    q,
		registry: r,
		fanout:   f,
		logger:   logger.Named("relay").With(zap.String("instance", cfg.InstanceID)),
		now:      time.Now,
		newID:    func() string { return ulid.Make().String() },
	}
}

// InstanceID returns the id this core publishes and attaches under.
func (c *Core) InstanceID() string {
	return c.cfg.InstanceID
}

// Start subscribes to the fan-out channel.
func (c *Core) Start(ctx context.Context) error {
	return c.fanout.Start(ctx, c.HandleEvent)
}

// Shutdown stops consuming bus events, waits for pending disconnect work
// and retires this instance's heartbeat so peers stop counting it.
func (c *Core) Shutdown(ctx context.Context) error {
	c.fanout.Stop()

	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("shutdown before pending disconnects finished", zap.Error(ctx.Err()))
	}

	if err := c.presence.Retire(ctx, c.cfg.InstanceID); err != nil {
		c.storeFailed("retire", err)
		return err
	}
	return nil
}

// Wait blocks until pending disconnect work has finished.
func (c *Core) Wait() {
	c.pending.Wait()
}

// NotifyOffline tells local connections that uids went offline. The
// heartbeat sweep calls it for users held by dead instances.
func (c *Core) NotifyOffline(uids []string) {
	for _, uid := range uids {
		c.broadcast(envelope.UserOffline(uid), nil)
	}
}

// broadcast sends o to every local connection except exclude.
func (c *Core) broadcast(o envelope.Outbound, exclude registry.Conn) int {
	raw, err := envelope.Encode(o)
	if err != nil {
		c.logger.Error("encode outbound", zap.String("type", string(o.Kind)), zap.Error(err))
		return 0
	}
	return c.registry.BroadcastLocal(raw, exclude)
}

func (c *Core) storeFailed(op string, err error) {
	if errors.Is(err, store.ErrUnavailable) {
		metrics.StoreErrors.WithLabelValues(op).Inc()
	}
	c.logger.Warn("store operation failed", zap.String("op", op), zap.Error(err))
}
