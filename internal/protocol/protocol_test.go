package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeDecodeSendMessage(t *testing.T) {
	env, err := Encode(EventSendMessage, SendMessage{
		SenderID: "a", ReceiverID: "b", Content: "hi", CorrelationID: "t1",
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"event":"send_message"`, `"senderId":"a"`, `"correlationId":"t1"`} {
		if !strings.Contains(string(raw), key) {
			t.Errorf("frame %s missing %s", raw, key)
		}
	}

	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	var req SendMessage
	if err := back.Decode(&req); err != nil {
		t.Fatal(err)
	}
	if req.ReceiverID != "b" || req.Content != "hi" {
		t.Errorf("decoded = %+v", req)
	}
}

func TestDeliveredMessageOmitsCorrelationID(t *testing.T) {
	raw, err := json.Marshal(Message{ID: "m1", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "correlationId") {
		t.Errorf("message without correlation id serialized it: %s", raw)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	var v JoinThread
	if err := (Envelope{Event: EventJoinThread}).Decode(&v); err == nil {
		t.Error("Decode() expected error for empty payload")
	}
}

func TestChannels(t *testing.T) {
	if got := UserChannel("u1"); got != "user:u1" {
		t.Errorf("UserChannel = %q", got)
	}
	if got := ThreadChannel("t1"); got != "thread:t1" {
		t.Errorf("ThreadChannel = %q", got)
	}
}
