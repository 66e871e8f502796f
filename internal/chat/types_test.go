package chat

import (
	"strings"
	"testing"
	"time"
)

func TestMessagePreservesUnknownFields(t *testing.T) {
	in := `{"id":"m1","senderId":"a","receiverId":"b","body":"hi","attachments":[{"k":1}],"timestamp":1700000000000}`
	m, err := Decode([]byte(in))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if m.ID != "m1" || m.SenderID != "a" || m.ReceiverID != "b" {
		t.Errorf("routing fields = %+v", m)
	}
	if string(m.Fields["body"]) != `"hi"` {
		t.Errorf("body = %s, want \"hi\"", m.Fields["body"])
	}

	out, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	again, err := Decode(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(again.Timestamp) != "1700000000000" {
		t.Errorf("timestamp = %s, want numeric form preserved", again.Timestamp)
	}
	if string(again.Fields["attachments"]) != `[{"k":1}]` {
		t.Errorf("attachments = %s", again.Fields["attachments"])
	}
}

func TestMessageStamp(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		in      string
		stamped bool
	}{
		{"absent", `{"id":"m"}`, true},
		{"null", `{"id":"m","timestamp":null}`, true},
		{"empty string", `{"id":"m","timestamp":""}`, true},
		{"present", `{"id":"m","timestamp":"2020-01-01T00:00:00Z"}`, false},
		{"numeric", `{"id":"m","timestamp":12}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.in))
			if err != nil {
				t.Fatal(err)
			}
			before := string(m.Timestamp)
			m.Stamp(now)
			if tt.stamped && string(m.Timestamp) != `"2024-05-01T12:00:00Z"` {
				t.Errorf("timestamp = %s", m.Timestamp)
			}
			if !tt.stamped && string(m.Timestamp) != before {
				t.Errorf("timestamp overwritten: %s -> %s", before, m.Timestamp)
			}
		})
	}
}

func TestMessageIsBroadcast(t *testing.T) {
	tests := []struct {
		m    Message
		want bool
	}{
		{Message{ReceiverID: "b"}, false},
		{Message{ReceiverID: "b", IsGroup: true}, true},
		{Message{ReceiverID: "b", RoomID: "r1"}, true},
		{Message{}, true},
	}
	for _, tt := range tests {
		if got := tt.m.IsBroadcast(); got != tt.want {
			t.Errorf("IsBroadcast(%+v) = %v, want %v", tt.m, got, tt.want)
		}
	}
}

func TestUserProfileRoundTrip(t *testing.T) {
	u, err := DecodeUser([]byte(`{"uid":"a","name":"Alice","avatar":"x.png","isOnline":false}`))
	if err != nil {
		t.Fatal(err)
	}
	u.Online = true
	out, err := EncodeUser(u)
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	for _, want := range []string{`"uid":"a"`, `"name":"Alice"`, `"avatar":"x.png"`, `"isOnline":true`} {
		if !strings.Contains(s, want) {
			t.Errorf("encoded user %s missing %s", s, want)
		}
	}
}

func TestDecodeRejectsNonObject(t *testing.T) {
	for _, in := range []string{`null`, `[1]`, `"x"`, `{`} {
		if _, err := Decode([]byte(in)); err == nil {
			t.Errorf("Decode(%s) expected error", in)
		}
	}
}
