package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	return Message{}
}

func expectNone(t *testing.T, ch <-chan Message) {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if ok {
			t.Errorf("unexpected message: %s", msg.Payload)
		}
	case <-time.After(50 * time.Millisecond):
		// Expected: nothing delivered.
	}
}

func TestLocalPublishSubscribe(t *testing.T) {
	b := NewLocal(10)
	ch, unsub, err := b.Subscribe(context.Background(), "chat_channel")
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	if err := b.Publish(context.Background(), "chat_channel", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	msg := receive(t, ch)
	if string(msg.Payload) != "hello" || msg.Channel != "chat_channel" {
		t.Errorf("got %q on %q, want hello on chat_channel", msg.Payload, msg.Channel)
	}
}

func TestLocalChannelIsolation(t *testing.T) {
	b := NewLocal(10)
	ch, unsub, _ := b.Subscribe(context.Background(), "chat_channel")
	defer unsub()

	_ = b.Publish(context.Background(), "other", []byte("x"))
	expectNone(t, ch)
}

func TestLocalUnsubscribe(t *testing.T) {
	b := NewLocal(10)
	ch, unsub, _ := b.Subscribe(context.Background(), "c")
	unsub()
	unsub() // idempotent

	_ = b.Publish(context.Background(), "c", []byte("x"))
	expectNone(t, ch)
}

func TestLocalPreservesOrder(t *testing.T) {
	b := NewLocal(100)
	var subs []<-chan Message
	for i := 0; i < 3; i++ {
		ch, unsub, _ := b.Subscribe(context.Background(), "c")
		defer unsub()
		subs = append(subs, ch)
	}

	for _, p := range []string{"1", "2", "3", "4"} {
		if err := b.Publish(context.Background(), "c", []byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	for i, ch := range subs {
		for _, want := range []string{"1", "2", "3", "4"} {
			if got := string(receive(t, ch).Payload); got != want {
				t.Fatalf("subscriber %d: got %s, want %s", i, got, want)
			}
		}
	}
}

// TestLocalBackpressure verifies a full subscriber blocks the publisher
// instead of silently losing the payload.
func TestLocalBackpressure(t *testing.T) {
	b := NewLocal(1)
	ch, unsub, _ := b.Subscribe(context.Background(), "c")
	defer unsub()

	_ = b.Publish(context.Background(), "c", []byte("one"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, "c", []byte("two"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Publish on full buffer error = %v, want ErrUnavailable", err)
	}

	if got := string(receive(t, ch).Payload); got != "one" {
		t.Errorf("got %s, want one", got)
	}
}

func TestLocalUnsubscribeReleasesBlockedPublisher(t *testing.T) {
	b := NewLocal(1)
	_, unsub, _ := b.Subscribe(context.Background(), "c")
	_ = b.Publish(context.Background(), "c", []byte("fill"))

	done := make(chan error, 1)
	go func() { done <- b.Publish(context.Background(), "c", []byte("blocked")) }()

	time.Sleep(20 * time.Millisecond)
	unsub()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Publish error = %v, want nil after unsubscribe", err)
		}
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after unsubscribe")
	}
}

func TestRedisPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := NewRedis(client)
	ch1, unsub1, err := b.Subscribe(context.Background(), "chat_channel")
	if err != nil {
		t.Fatal(err)
	}
	defer unsub1()
	ch2, unsub2, err := b.Subscribe(context.Background(), "chat_channel")
	if err != nil {
		t.Fatal(err)
	}
	defer unsub2()

	if err := b.Publish(context.Background(), "chat_channel", []byte(`{"op":"create"}`)); err != nil {
		t.Fatal(err)
	}

	for _, ch := range []<-chan Message{ch1, ch2} {
		if got := string(receive(t, ch).Payload); got != `{"op":"create"}` {
			t.Errorf("payload = %s", got)
		}
	}
}

func TestRedisPublishFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.SetError("ERR injected failure")

	b := NewRedis(client)
	err := b.Publish(context.Background(), "c", []byte("x"))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Publish error = %v, want ErrUnavailable", err)
	}
	if err := b.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Ping error = %v, want ErrUnavailable", err)
	}
}

var (
	_ Bus = (*Local)(nil)
	_ Bus = (*Redis)(nil)
)
