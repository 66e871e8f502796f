// Package envelope converts between wire frames and typed relay events.
package envelope

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/matheus3301/relay/internal/chat"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMalformed is returned for frames that are not a JSON object with a
// string "type" member, or that lack the members their type requires.
var ErrMalformed = errors.New("malformed envelope")

// Kind is the value of an envelope's "type" member.
type Kind string

const (
	KindUnknown       Kind = ""
	KindConnect       Kind = "connect"
	KindMessage       Kind = "message"
	KindMessageUpdate Kind = "message_update"
	KindMessageDelete Kind = "message_delete"
	KindUserOnline    Kind = "user_online"
	KindUserOffline   Kind = "user_offline"
	KindSyncMessages  Kind = "sync_messages"

	// Outbound only.
	KindInit    Kind = "init"
	KindNewUser Kind = "new_user"
)

var inboundKinds = map[Kind]bool{
	KindConnect:       true,
	KindMessage:       true,
	KindMessageUpdate: true,
	KindMessageDelete: true,
	KindUserOnline:    true,
	KindUserOffline:   true,
	KindSyncMessages:  true,
}

// Inbound is a decoded client command. Only the members relevant to Kind
// are set. Type keeps the raw type string, which matters for KindUnknown.
type Inbound struct {
	Kind      Kind
	Type      string
	User      chat.User
	Message   chat.Message
	MessageID string
	UID       string
}

// Decode parses a client frame. Unknown type strings are not an error: they
// decode to KindUnknown so newer clients keep working against older relays.
func Decode(raw []byte) (Inbound, error) {
	var members map[string]jsoniter.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if members == nil {
		return Inbound{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	typeRaw, ok := members["type"]
	if !ok {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	var typ string
	if err := json.Unmarshal(typeRaw, &typ); err != nil {
		return Inbound{}, fmt.Errorf("%w: type must be a string", ErrMalformed)
	}

	in := Inbound{Kind: Kind(typ), Type: typ}
	if !inboundKinds[in.Kind] {
		in.Kind = KindUnknown
		return in, nil
	}

	var err error
	switch in.Kind {
	case KindConnect:
		err = decodeMember(members, "user", &in.User)
		if err == nil && strings.TrimSpace(in.User.UID) == "" {
			err = errors.New("user.uid is required")
		}
	case KindMessage:
		err = decodeMember(members, "message", &in.Message)
	case KindMessageUpdate:
		err = decodeMember(members, "message", &in.Message)
		if err == nil && in.Message.ID == "" {
			err = errors.New("message.id is required")
		}
	case KindMessageDelete:
		err = decodeMember(members, "messageId", &in.MessageID)
		if err == nil && in.MessageID == "" {
			err = errors.New("messageId is required")
		}
	case KindUserOnline, KindUserOffline:
		err = decodeMember(members, "uid", &in.UID)
		if err == nil && in.UID == "" {
			err = errors.New("uid is required")
		}
	}
	if err != nil {
		return Inbound{}, fmt.Errorf("%w: %s: %v", ErrMalformed, typ, err)
	}
	return in, nil
}

func decodeMember(members map[string]jsoniter.RawMessage, key string, dst any) error {
	v, ok := members[key]
	if !ok || string(v) == "null" {
		return fmt.Errorf("%s is required", key)
	}
	return json.Unmarshal(v, dst)
}
