package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/chat"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(_ context.Context, e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestMarshalRoundTrip(t *testing.T) {
	m := chat.Message{ID: "m1", SenderID: "a", ReceiverID: "b"}
	data, err := Marshal(Event{Op: OpCreate, Origin: "i1", Message: &m})
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"create","origin":"i1","message":{"id":"m1","senderId":"a","receiverId":"b"}}`, string(data))

	e, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, OpCreate, e.Op)
	assert.Equal(t, "i1", e.Origin)
	require.NotNil(t, e.Message)
	assert.Equal(t, "b", e.Message.ReceiverID)

	data, err = Marshal(Event{Op: OpDelete, Origin: "i1", MessageID: "m1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"delete","origin":"i1","messageId":"m1"}`, string(data))
}

func TestValidateRejectsIncompleteEvents(t *testing.T) {
	bad := []Event{
		{Op: OpCreate},
		{Op: OpUpdate, Message: &chat.Message{}},
		{Op: OpDelete},
		{Op: "upsert", MessageID: "m1"},
	}
	for _, e := range bad {
		assert.ErrorIs(t, e.Validate(), ErrBadEvent, "op %q", e.Op)
	}

	_, err := Unmarshal([]byte(`not json`))
	assert.ErrorIs(t, err, ErrBadEvent)
}

func TestAdapterDeliversToPublisherInOrder(t *testing.T) {
	a := New(bus.NewLocal(16), "chat_channel", zap.NewNop())
	c := &collector{}
	require.NoError(t, a.Start(context.Background(), c.handle))
	defer a.Stop()

	ctx := context.Background()
	require.NoError(t, a.Publish(ctx, Event{Op: OpCreate, Origin: "i1", Message: &chat.Message{ID: "m1"}}))
	require.NoError(t, a.Publish(ctx, Event{Op: OpUpdate, Origin: "i1", Message: &chat.Message{ID: "m1"}}))
	require.NoError(t, a.Publish(ctx, Event{Op: OpDelete, Origin: "i1", MessageID: "m1"}))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	got := c.snapshot()
	assert.Equal(t, []Op{OpCreate, OpUpdate, OpDelete}, []Op{got[0].Op, got[1].Op, got[2].Op})
}

func TestAdapterSkipsBadPayloads(t *testing.T) {
	b := bus.NewLocal(16)
	a := New(b, "chat_channel", zap.NewNop())
	c := &collector{}
	require.NoError(t, a.Start(context.Background(), c.handle))
	defer a.Stop()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "chat_channel", []byte(`{"op":"bogus"}`)))
	require.NoError(t, a.Publish(ctx, Event{Op: OpDelete, Origin: "i1", MessageID: "m9"}))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "m9", c.snapshot()[0].MessageID)
}

func TestAdapterStartTwiceFails(t *testing.T) {
	a := New(bus.NewLocal(1), "c", nil)
	require.NoError(t, a.Start(context.Background(), func(context.Context, Event) {}))
	defer a.Stop()
	assert.Error(t, a.Start(context.Background(), func(context.Context, Event) {}))
}

func TestAdapterStopIsIdempotent(t *testing.T) {
	a := New(bus.NewLocal(1), "c", nil)
	a.Stop()
	require.NoError(t, a.Start(context.Background(), func(context.Context, Event) {}))
	a.Stop()
	a.Stop()
}

func TestAdapterAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	one := New(bus.NewRedis(client), "chat_channel", zap.NewNop())
	two := New(bus.NewRedis(client), "chat_channel", zap.NewNop())
	c1, c2 := &collector{}, &collector{}
	require.NoError(t, one.Start(context.Background(), c1.handle))
	defer one.Stop()
	require.NoError(t, two.Start(context.Background(), c2.handle))
	defer two.Stop()

	require.NoError(t, one.Publish(context.Background(), Event{Op: OpCreate, Origin: "one", Message: &chat.Message{ID: "m1", IsGroup: true}}))

	for _, c := range []*collector{c1, c2} {
		require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "one", c.snapshot()[0].Origin)
	}
}

func TestPublishFailureIsBusUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.SetError("ERR injected failure")

	a := New(bus.NewRedis(client), "c", nil)
	err := a.Publish(context.Background(), Event{Op: OpDelete, Origin: "i1", MessageID: "m1"})
	assert.True(t, errors.Is(err, bus.ErrUnavailable), "got %v", err)
}
