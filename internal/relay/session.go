package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/chat"
	"github.com/matheus3301/relay/internal/envelope"
	"github.com/matheus3301/relay/internal/fanout"
	"github.com/matheus3301/relay/internal/metrics"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/status"
)

// Session is the relay side of one client connection. Handle must be
// called from a single goroutine; Close may be called from any.
type Session struct {
	core  *Core
	conn  registry.Conn
	state *status.Machine

	mu  sync.Mutex
	uid string
}

// Open starts a session for a freshly accepted connection.
func (c *Core) Open(conn registry.Conn) *Session {
	metrics.Connections.Inc()
	s := &Session{core: c, conn: conn}
	s.state = status.NewMachine(func(ch status.Change) {
		c.logger.Debug("session state",
			zap.String("conn", conn.ID()),
			zap.String("from", string(ch.From)),
			zap.String("to", string(ch.To)))
	})
	return s
}

// UID returns the identity bound by connect, or "" before it.
func (s *Session) UID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

// State returns the session's lifecycle state.
func (s *Session) State() status.State {
	return s.state.Current()
}

// Handle processes one inbound frame. Malformed and unknown frames are
// dropped without a reply; the returned error is for logging only and never
// means the connection must close.
func (s *Session) Handle(ctx context.Context, raw []byte) error {
	in, err := envelope.Decode(raw)
	if err != nil {
		metrics.MalformedFrames.Inc()
		return err
	}
	if in.Kind == envelope.KindUnknown {
		metrics.FramesTotal.WithLabelValues("unknown").Inc()
		s.core.logger.Debug("dropping unknown frame", zap.String("type", in.Type))
		return nil
	}
	metrics.FramesTotal.WithLabelValues(string(in.Kind)).Inc()

	if s.state.Is(status.Closed) {
		return nil
	}
	if in.Kind == envelope.KindConnect {
		return s.connect(ctx, in.User)
	}
	if !s.state.Is(status.Identified) {
		return fmt.Errorf("%w: %s", ErrNotIdentified, in.Kind)
	}

	switch in.Kind {
	case envelope.KindMessage:
		return s.message(ctx, in.Message)
	case envelope.KindMessageUpdate:
		m := in.Message
		return s.core.publish(ctx, fanout.Event{Op: fanout.OpUpdate, Origin: s.core.cfg.InstanceID, Message: &m})
	case envelope.KindMessageDelete:
		return s.core.publish(ctx, fanout.Event{Op: fanout.OpDelete, Origin: s.core.cfg.InstanceID, MessageID: in.MessageID})
	case envelope.KindSyncMessages:
		return s.syncMessages(ctx)
	case envelope.KindUserOnline:
		return s.setOnline(ctx, in.UID, true)
	case envelope.KindUserOffline:
		return s.setOnline(ctx, in.UID, false)
	}
	return nil
}

// connect identifies the session. The snapshot goes out before the binding
// exists so that messages arriving meanwhile land in the offline queue and
// come out of the drain below, after the snapshot.
func (s *Session) connect(ctx context.Context, u chat.User) error {
	c := s.core
	if !s.state.Is(status.Anonymous) {
		c.logger.Debug("ignoring repeated connect", zap.String("uid", s.UID()), zap.String("conn", s.conn.ID()))
		return nil
	}
	u.Online = true

	users, err := c.presence.ListAll(ctx)
	if err != nil {
		c.storeFailed("list_users", err)
	}
	others := make([]chat.User, 0, len(users))
	for _, other := range users {
		if other.UID != u.UID {
			others = append(others, other)
		}
	}
	history, err := c.queue.PeekGlobal(ctx)
	if err != nil {
		c.storeFailed("peek_global", err)
	}
	if err := s.send(envelope.Init(others, history)); err != nil {
		return fmt.Errorf("send init: %w", err)
	}

	if err := s.state.Transition(status.Identified); err != nil {
		return err
	}
	s.mu.Lock()
	s.uid = u.UID
	s.mu.Unlock()

	if res := c.registry.Bind(u.UID, s.conn); res.Replaced {
		c.logger.Info("connection superseded",
			zap.String("uid", u.UID),
			zap.String("old_conn", res.Previous.ID()),
			zap.String("conn", s.conn.ID()))
		_ = res.Previous.Close()
	}

	var errs []error
	if err := c.presence.Attach(ctx, u.UID, c.cfg.InstanceID); err != nil {
		c.storeFailed("attach", err)
		errs = append(errs, err)
	}
	if err := c.presence.Upsert(ctx, u); err != nil {
		c.storeFailed("upsert_user", err)
		errs = append(errs, err)
	}

	if err := s.replayOffline(ctx, u.UID); err != nil {
		errs = append(errs, err)
	}

	c.broadcast(envelope.NewUser(u), s.conn)
	c.broadcast(envelope.UserOnline(u.UID), s.conn)

	c.logger.Info("user connected", zap.String("uid", u.UID), zap.String("conn", s.conn.ID()))
	return errors.Join(errs...)
}

// replayOffline drains uid's queue to this connection. Whatever cannot be
// written goes back to the queue.
func (s *Session) replayOffline(ctx context.Context, uid string) error {
	c := s.core
	msgs, err := c.queue.Drain(ctx, uid)
	if err != nil {
		c.storeFailed("drain", err)
		return err
	}
	for i, m := range msgs {
		if err := s.send(envelope.MessageCreated(m)); err != nil {
			c.logger.Warn("replay interrupted, requeueing",
				zap.String("uid", uid), zap.Int("remaining", len(msgs)-i), zap.Error(err))
			if err := c.queue.Requeue(ctx, uid, msgs[i:]); err != nil {
				c.storeFailed("requeue", err)
				return err
			}
			return nil
		}
		metrics.OfflineReplayed.Inc()
	}
	if len(msgs) > 0 {
		c.logger.Info("offline messages replayed", zap.String("uid", uid), zap.Int("count", len(msgs)))
	}
	return nil
}

// message fills in what the client left out and publishes the create
// event. Delivery, including to this instance, happens in HandleEvent.
func (s *Session) message(ctx context.Context, m chat.Message) error {
	c := s.core
	if m.ID == "" {
		m.ID = c.newID()
	}
	if m.SenderID == "" {
		m.SenderID = s.UID()
	}
	m.Stamp(c.now())

	e := fanout.Event{Op: fanout.OpCreate, Origin: c.cfg.InstanceID, Message: &m}
	if err := c.publish(ctx, e); err != nil {
		// Peers miss the live fan-out; this instance still delivers and
		// queues as if the event had come back.
		c.handleCreate(ctx, m, true, true)
		return err
	}
	return nil
}

func (s *Session) syncMessages(ctx context.Context) error {
	history, err := s.core.queue.PeekGlobal(ctx)
	if err != nil {
		s.core.storeFailed("peek_global", err)
		return err
	}
	return s.send(envelope.SyncMessages(history))
}

// setOnline flips a known user's flag and tells every local connection,
// this one included. Unknown uids are ignored.
func (s *Session) setOnline(ctx context.Context, uid string, online bool) error {
	c := s.core
	found, err := c.presence.SetOnline(ctx, uid, online)
	if err != nil {
		c.storeFailed("set_online", err)
		return err
	}
	if !found {
		c.logger.Debug("presence change for unknown user", zap.String("uid", uid))
		return nil
	}
	if online {
		c.broadcast(envelope.UserOnline(uid), nil)
	} else {
		c.broadcast(envelope.UserOffline(uid), nil)
	}
	return nil
}

func (s *Session) send(o envelope.Outbound) error {
	raw, err := envelope.Encode(o)
	if err != nil {
		return err
	}
	return s.conn.Send(raw)
}

// Close ends the session. It is safe to call more than once. Store updates
// run in the background and are not awaited.
func (s *Session) Close() {
	if err := s.state.Transition(status.Closed); err != nil {
		return
	}
	metrics.Connections.Dec()

	c := s.core
	uid, ok := c.registry.Unbind(s.conn)
	if !ok {
		// Never identified, or superseded by a newer connection.
		return
	}
	c.logger.Info("user disconnected", zap.String("uid", uid), zap.String("conn", s.conn.ID()))

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
		defer cancel()
		c.detach(ctx, uid)
	}()
}

// detach drops this instance's presence reference for uid and marks the
// user offline once no live instance holds it.
func (c *Core) detach(ctx context.Context, uid string) {
	remaining, err := c.presence.Detach(ctx, uid, c.cfg.InstanceID)
	if err != nil {
		c.storeFailed("detach", err)
		return
	}
	if _, rebound := c.registry.Lookup(uid); rebound {
		// A new connection for uid arrived while detaching.
		if err := c.presence.Attach(ctx, uid, c.cfg.InstanceID); err != nil {
			c.storeFailed("attach", err)
		}
		return
	}
	if remaining > 0 {
		c.logger.Debug("user still online elsewhere", zap.String("uid", uid), zap.Int("instances", remaining))
		return
	}
	if _, err := c.presence.SetOnline(ctx, uid, false); err != nil {
		c.storeFailed("set_online", err)
		return
	}
	c.broadcast(envelope.UserOffline(uid), nil)
}
