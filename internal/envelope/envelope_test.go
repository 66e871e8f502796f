package envelope

import (
	"errors"
	"strings"
	"testing"

	"github.com/matheus3301/relay/internal/chat"
)

func TestDecodeKnownKinds(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind Kind
	}{
		{"connect", `{"type":"connect","user":{"uid":"a","name":"Alice"}}`, KindConnect},
		{"message", `{"type":"message","message":{"id":"m1","receiverId":"b","body":"hi"}}`, KindMessage},
		{"update", `{"type":"message_update","message":{"id":"m1","body":"edited"}}`, KindMessageUpdate},
		{"delete", `{"type":"message_delete","messageId":"m1"}`, KindMessageDelete},
		{"online", `{"type":"user_online","uid":"a"}`, KindUserOnline},
		{"offline", `{"type":"user_offline","uid":"a"}`, KindUserOffline},
		{"sync", `{"type":"sync_messages"}`, KindSyncMessages},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if in.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", in.Kind, tt.kind)
			}
		})
	}
}

func TestDecodePayloads(t *testing.T) {
	in, err := Decode([]byte(`{"type":"connect","user":{"uid":"a","name":"Alice","color":"red"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if in.User.UID != "a" || in.User.Name != "Alice" || string(in.User.Profile["color"]) != `"red"` {
		t.Errorf("user = %+v", in.User)
	}

	in, err = Decode([]byte(`{"type":"message_delete","messageId":"m9"}`))
	if err != nil {
		t.Fatal(err)
	}
	if in.MessageID != "m9" {
		t.Errorf("messageId = %q, want m9", in.MessageID)
	}
}

func TestDecodeUnknownKindIsNotAnError(t *testing.T) {
	in, err := Decode([]byte(`{"type":"typing","uid":"a"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v, want nil for unknown kind", err)
	}
	if in.Kind != KindUnknown || in.Type != "typing" {
		t.Errorf("got kind %q type %q, want unknown/typing", in.Kind, in.Type)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `hello`},
		{"array", `[1,2]`},
		{"null", `null`},
		{"missing type", `{"user":{"uid":"a"}}`},
		{"numeric type", `{"type":7}`},
		{"connect without user", `{"type":"connect"}`},
		{"connect without uid", `{"type":"connect","user":{"name":"x"}}`},
		{"message without body object", `{"type":"message"}`},
		{"message not object", `{"type":"message","message":"hi"}`},
		{"update without id", `{"type":"message_update","message":{"body":"x"}}`},
		{"delete without id", `{"type":"message_delete"}`},
		{"online without uid", `{"type":"user_online"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode(%s) error = %v, want ErrMalformed", tt.raw, err)
			}
		})
	}
}

func TestEncodeShapes(t *testing.T) {
	m, _ := chat.Decode([]byte(`{"id":"m1","body":"hi"}`))
	tests := []struct {
		name string
		out  Outbound
		want []string
	}{
		{"init empty", Init(nil, nil), []string{`"type":"init"`, `"users":[]`, `"messages":[]`}},
		{"new user", NewUser(chat.User{UID: "a", Name: "A"}), []string{`"type":"new_user"`, `"uid":"a"`}},
		{"online", UserOnline("a"), []string{`"type":"user_online"`, `"uid":"a"`}},
		{"offline", UserOffline("a"), []string{`"type":"user_offline"`, `"uid":"a"`}},
		{"message", MessageCreated(m), []string{`"type":"message"`, `"id":"m1"`, `"body":"hi"`}},
		{"update", MessageUpdated(m), []string{`"type":"message_update"`, `"id":"m1"`}},
		{"delete", MessageDeleted("m1"), []string{`{"type":"message_delete","messageId":"m1"}`}},
		{"sync", SyncMessages([]chat.Message{m}), []string{`"type":"sync_messages"`, `"messages":[{`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.out)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(string(raw), w) {
					t.Errorf("encoded %s missing %s", raw, w)
				}
			}
		})
	}
}

func TestEncodeRejectsInboundOnlyKind(t *testing.T) {
	if _, err := Encode(Outbound{Kind: KindConnect}); err == nil {
		t.Error("Encode(connect) expected error")
	}
}
