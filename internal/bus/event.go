package bus

import "time"

// Message is one payload received on a channel.
type Message struct {
	Channel   string
	Payload   []byte
	Timestamp time.Time
}
