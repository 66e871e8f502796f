package envelope

import (
	"fmt"

	"github.com/matheus3301/relay/internal/chat"
)

// Outbound is an event sent to clients. Build it with the constructors below.
type Outbound struct {
	Kind      Kind
	User      chat.User
	UID       string
	Message   chat.Message
	MessageID string
	Users     []chat.User
	Messages  []chat.Message
}

// Init is the snapshot sent to a connection right after it identifies.
func Init(users []chat.User, messages []chat.Message) Outbound {
	return Outbound{Kind: KindInit, Users: users, Messages: messages}
}

func NewUser(u chat.User) Outbound { return Outbound{Kind: KindNewUser, User: u} }

func UserOnline(uid string) Outbound { return Outbound{Kind: KindUserOnline, UID: uid} }

func UserOffline(uid string) Outbound { return Outbound{Kind: KindUserOffline, UID: uid} }

func MessageCreated(m chat.Message) Outbound { return Outbound{Kind: KindMessage, Message: m} }

func MessageUpdated(m chat.Message) Outbound { return Outbound{Kind: KindMessageUpdate, Message: m} }

func MessageDeleted(id string) Outbound { return Outbound{Kind: KindMessageDelete, MessageID: id} }

// SyncMessages answers a sync_messages request.
func SyncMessages(messages []chat.Message) Outbound {
	return Outbound{Kind: KindSyncMessages, Messages: messages}
}

// MarshalJSON writes only the members that belong to the event kind.
func (o Outbound) MarshalJSON() ([]byte, error) {
	switch o.Kind {
	case KindInit:
		return json.Marshal(struct {
			Type     Kind           `json:"type"`
			Users    []chat.User    `json:"users"`
			Messages []chat.Message `json:"messages"`
		}{o.Kind, nonNilUsers(o.Users), nonNilMessages(o.Messages)})
	case KindNewUser:
		return json.Marshal(struct {
			Type Kind      `json:"type"`
			User chat.User `json:"user"`
		}{o.Kind, o.User})
	case KindUserOnline, KindUserOffline:
		return json.Marshal(struct {
			Type Kind   `json:"type"`
			UID  string `json:"uid"`
		}{o.Kind, o.UID})
	case KindMessage, KindMessageUpdate:
		return json.Marshal(struct {
			Type    Kind         `json:"type"`
			Message chat.Message `json:"message"`
		}{o.Kind, o.Message})
	case KindMessageDelete:
		return json.Marshal(struct {
			Type      Kind   `json:"type"`
			MessageID string `json:"messageId"`
		}{o.Kind, o.MessageID})
	case KindSyncMessages:
		return json.Marshal(struct {
			Type     Kind           `json:"type"`
			Messages []chat.Message `json:"messages"`
		}{o.Kind, nonNilMessages(o.Messages)})
	}
	return nil, fmt.Errorf("envelope: %q is not an outbound kind", o.Kind)
}

// Encode serializes an outbound event.
func Encode(o Outbound) ([]byte, error) {
	return json.Marshal(o)
}

func nonNilUsers(u []chat.User) []chat.User {
	if u == nil {
		return []chat.User{}
	}
	return u
}

func nonNilMessages(m []chat.Message) []chat.Message {
	if m == nil {
		return []chat.Message{}
	}
	return m
}
