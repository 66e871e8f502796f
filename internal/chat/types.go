package chat

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

// User is the presence record of one identity. Profile holds every member
// of the client's user object other than uid, name and isOnline.
type User struct {
	UID     string
	Name    string
	Online  bool
	Profile map[string]jsoniter.RawMessage
}

// MarshalJSON writes the user object with its profile members inlined.
func (u User) MarshalJSON() ([]byte, error) {
	w := newObjectWriter(u.Profile, 3)
	w.set("uid", u.UID)
	w.set("name", u.Name)
	w.set("isOnline", u.Online)
	return w.bytes()
}

// UnmarshalJSON reads a user object, preserving unknown members in Profile.
func (u *User) UnmarshalJSON(data []byte) error {
	raw, err := splitObject(data)
	if err != nil {
		return err
	}
	var out User
	if err := takeString(raw, "uid", &out.UID); err != nil {
		return err
	}
	if err := takeString(raw, "name", &out.Name); err != nil {
		return err
	}
	if err := takeBool(raw, "isOnline", &out.Online); err != nil {
		return err
	}
	if len(raw) > 0 {
		out.Profile = raw
	}
	*u = out
	return nil
}

// Message is a chat message. Fields holds every member other than the ones
// the relay routes on (body, attachments and the like).
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string
	IsGroup    bool
	RoomID     string
	// Timestamp is kept as sent so client formats survive a round trip.
	Timestamp jsoniter.RawMessage
	Fields    map[string]jsoniter.RawMessage
}

// MarshalJSON writes the message object with its extra members inlined.
func (m Message) MarshalJSON() ([]byte, error) {
	w := newObjectWriter(m.Fields, 6)
	w.set("id", m.ID)
	if m.SenderID != "" {
		w.set("senderId", m.SenderID)
	}
	if m.ReceiverID != "" {
		w.set("receiverId", m.ReceiverID)
	}
	if m.IsGroup {
		w.set("isGroup", true)
	}
	if m.RoomID != "" {
		w.set("roomId", m.RoomID)
	}
	if m.HasTimestamp() {
		w.setRaw("timestamp", m.Timestamp)
	}
	return w.bytes()
}

// UnmarshalJSON reads a message object, preserving unknown members in Fields.
func (m *Message) UnmarshalJSON(data []byte) error {
	raw, err := splitObject(data)
	if err != nil {
		return err
	}
	var out Message
	if err := takeString(raw, "id", &out.ID); err != nil {
		return err
	}
	if err := takeString(raw, "senderId", &out.SenderID); err != nil {
		return err
	}
	if err := takeString(raw, "receiverId", &out.ReceiverID); err != nil {
		return err
	}
	if err := takeBool(raw, "isGroup", &out.IsGroup); err != nil {
		return err
	}
	if err := takeString(raw, "roomId", &out.RoomID); err != nil {
		return err
	}
	out.Timestamp = takeRaw(raw, "timestamp")
	if len(raw) > 0 {
		out.Fields = raw
	}
	*m = out
	return nil
}

// HasTimestamp reports whether the message carries a non-empty timestamp.
func (m Message) HasTimestamp() bool {
	if isNull(m.Timestamp) {
		return false
	}
	return string(m.Timestamp) != `""`
}

// Stamp assigns the server time unless a timestamp is already present.
func (m *Message) Stamp(now time.Time) {
	if m.HasTimestamp() {
		return
	}
	b, _ := json.Marshal(now.UTC().Format(time.RFC3339Nano))
	m.Timestamp = b
}

// IsBroadcast reports whether the message goes to everyone instead of a
// single receiver: a group or room marker, or no receiver at all.
func (m Message) IsBroadcast() bool {
	return m.IsGroup || m.RoomID != "" || m.ReceiverID == ""
}

// Encode serializes a message for storage or transport.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a message previously produced by Encode.
func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// EncodeUser serializes a presence record.
func EncodeUser(u User) ([]byte, error) {
	return json.Marshal(u)
}

// DecodeUser parses a presence record previously produced by EncodeUser.
func DecodeUser(data []byte) (User, error) {
	var u User
	err := json.Unmarshal(data, &u)
	return u, err
}
