// Package queue is the durable FIFO of messages awaiting delivery: one list
// per offline recipient plus a single global list of broadcast history.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/relay/internal/chat"
	"github.com/matheus3301/relay/internal/store"
)

// GlobalKey holds group and room messages for future joiners.
const GlobalKey = "offline:global"

// ErrReservedKey is returned when a recipient operation targets the global
// list, e.g. a user whose uid is "global".
var ErrReservedKey = errors.New("reserved queue key")

// RecipientKey is the list holding uid's undelivered direct messages.
func RecipientKey(uid string) string {
	return "offline:" + uid
}

// Queue appends to and drains offline lists.
type Queue struct {
	st        store.Store
	globalMax int64
}

// New creates a queue. globalMax caps the global list length; values <= 0
// leave it unbounded.
func New(st store.Store, globalMax int) *Queue {
	return &Queue{st: st, globalMax: int64(globalMax)}
}

// Enqueue appends m to uid's list.
func (q *Queue) Enqueue(ctx context.Context, uid string, m chat.Message) error {
	key := RecipientKey(uid)
	if key == GlobalKey {
		return ErrReservedKey
	}
	return q.push(ctx, key, m)
}

// EnqueueGlobal appends m to the global list and trims the oldest entries
// beyond the cap.
func (q *Queue) EnqueueGlobal(ctx context.Context, m chat.Message) error {
	if err := q.push(ctx, GlobalKey, m); err != nil {
		return err
	}
	if q.globalMax > 0 {
		return q.st.LTrim(ctx, GlobalKey, -q.globalMax, -1)
	}
	return nil
}

func (q *Queue) push(ctx context.Context, key string, m chat.Message) error {
	data, err := chat.Encode(m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return q.st.RPush(ctx, key, string(data))
}

// Drain returns uid's queued messages in enqueue order and clears the list
// in the same step, so a reconnecting recipient sees each entry once.
func (q *Queue) Drain(ctx context.Context, uid string) ([]chat.Message, error) {
	key := RecipientKey(uid)
	if key == GlobalKey {
		return nil, ErrReservedKey
	}
	raw, err := q.st.LPopAll(ctx, key)
	if err != nil {
		return nil, err
	}
	return decodeAll(raw), nil
}

// Requeue puts msgs back at the head of uid's list, in their original
// order, ahead of anything enqueued since they were drained.
func (q *Queue) Requeue(ctx context.Context, uid string, msgs []chat.Message) error {
	key := RecipientKey(uid)
	if key == GlobalKey {
		return ErrReservedKey
	}
	if len(msgs) == 0 {
		return nil
	}
	// LPush inserts one at a time at the head, so push newest first.
	vals := make([]string, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		data, err := chat.Encode(msgs[i])
		if err != nil {
			return fmt.Errorf("encode message %s: %w", msgs[i].ID, err)
		}
		vals = append(vals, string(data))
	}
	return q.st.LPush(ctx, key, vals...)
}

// PeekGlobal returns the global list in enqueue order without removing it.
func (q *Queue) PeekGlobal(ctx context.Context) ([]chat.Message, error) {
	raw, err := q.st.LRange(ctx, GlobalKey, 0, -1)
	if err != nil {
		return nil, err
	}
	return decodeAll(raw), nil
}

// decodeAll skips entries that no longer decode.
func decodeAll(raw []string) []chat.Message {
	out := make([]chat.Message, 0, len(raw))
	for _, r := range raw {
		m, err := chat.Decode([]byte(r))
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}
