package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/chat"
	"github.com/matheus3301/relay/internal/envelope"
	"github.com/matheus3301/relay/internal/fanout"
	"github.com/matheus3301/relay/internal/metrics"
)

// publish sends e to every instance. A failure is counted and logged; the
// caller decides whether to degrade.
func (c *Core) publish(ctx context.Context, e fanout.Event) error {
	if err := c.fanout.Publish(ctx, e); err != nil {
		metrics.BusErrors.Inc()
		c.logger.Warn("bus publish failed", zap.String("op", string(e.Op)), zap.Error(err))
		return err
	}
	metrics.MessagesPublished.WithLabelValues(string(e.Op)).Inc()
	return nil
}

// HandleEvent applies one bus event to this instance's connections. It runs
// on every instance for every event, so anything durable is done by exactly
// one of them.
func (c *Core) HandleEvent(ctx context.Context, e fanout.Event) {
	switch e.Op {
	case fanout.OpUpdate:
		n := c.broadcast(envelope.MessageUpdated(*e.Message), nil)
		metrics.Deliveries.WithLabelValues("broadcast").Add(float64(n))
	case fanout.OpDelete:
		n := c.broadcast(envelope.MessageDeleted(e.MessageID), nil)
		metrics.Deliveries.WithLabelValues("broadcast").Add(float64(n))
	case fanout.OpCreate:
		c.handleCreate(ctx, *e.Message, e.Origin == c.cfg.InstanceID, false)
	}
}

// handleCreate delivers a new message locally and queues it where needed.
// origin is set on the instance that accepted the command. busDown marks a
// create whose publish failed, so no peer will see it.
func (c *Core) handleCreate(ctx context.Context, m chat.Message, origin, busDown bool) {
	raw, err := envelope.Encode(envelope.MessageCreated(m))
	if err != nil {
		c.logger.Error("encode message", zap.String("msg_id", m.ID), zap.Error(err))
		return
	}
	log := c.logger.With(zap.String("msg_id", m.ID))

	if m.IsBroadcast() {
		n := c.registry.BroadcastLocal(raw, nil)
		metrics.Deliveries.WithLabelValues("broadcast").Add(float64(n))
		if origin {
			if err := c.queue.EnqueueGlobal(ctx, m); err != nil {
				c.storeFailed("enqueue_global", err)
			} else {
				metrics.OfflineEnqueued.WithLabelValues("global").Inc()
			}
		}
		// A broadcast already reached the sender's local binding.
		return
	}

	receiver := m.ReceiverID
	if _, bound := c.registry.Lookup(receiver); bound {
		if c.registry.SendLocal(receiver, raw) {
			metrics.Deliveries.WithLabelValues("direct").Inc()
		} else {
			log.Debug("receiver binding not writable", zap.String("uid", receiver))
			c.enqueue(ctx, receiver, m)
		}
	} else if origin {
		live := 0
		if !busDown {
			if live, err = c.presence.LiveRefs(ctx, receiver); err != nil {
				c.storeFailed("live_refs", err)
				live = 0
			}
		}
		if live == 0 {
			c.enqueue(ctx, receiver, m)
		}
	}

	if m.SenderID != "" && m.SenderID != receiver {
		if c.registry.SendLocal(m.SenderID, raw) {
			metrics.Deliveries.WithLabelValues("echo").Inc()
		}
	}
}

func (c *Core) enqueue(ctx context.Context, uid string, m chat.Message) {
	if err := c.queue.Enqueue(ctx, uid, m); err != nil {
		c.storeFailed("enqueue", err)
		return
	}
	metrics.OfflineEnqueued.WithLabelValues("recipient").Inc()
	c.logger.Debug("queued for offline user", zap.String("uid", uid), zap.String("msg_id", m.ID))
}
