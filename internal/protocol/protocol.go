package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names exchanged over the websocket channel.
const (
	EventJoin                = "join"
	EventJoinThread          = "join_thread"
	EventSendMessage         = "send_message"
	EventMessageDelivered    = "message_delivered"
	EventMessageAcknowledged = "message_acknowledged"
	EventMessageRejected     = "message_rejected"
	EventPresenceChanged     = "presence_changed"
)

// Rejection reasons carried by message_rejected.
const (
	ReasonMissingParticipant  = "missing_participant"
	ReasonEmptyMessage        = "empty_message"
	ReasonUnknownUser         = "unknown_user"
	ReasonAttachmentInvalid   = "attachment_invalid"
	ReasonAttachmentTooLarge  = "attachment_too_large"
	ReasonDeliveryUnavailable = "delivery_unavailable"
	ReasonRateLimited         = "rate_limited"
	ReasonMalformed           = "malformed"
	ReasonInternal            = "internal"
)

// Envelope is a single websocket frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Identity is the claimed identity sent with join. It is not authenticated.
type Identity struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Picture  string `json:"picture,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

// JoinThread asks to subscribe to a thread channel.
type JoinThread struct {
	ThreadID string `json:"threadId"`
}

// Attachment is the wire form of an inline file.
type Attachment struct {
	Data     string `json:"data"`
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Size     int64  `json:"size"`
	Category string `json:"fileType,omitempty"`
}

// SendMessage is the payload of send_message.
type SendMessage struct {
	SenderID      string      `json:"senderId"`
	ReceiverID    string      `json:"receiverId"`
	Content       string      `json:"content"`
	Attachment    *Attachment `json:"attachment,omitempty"`
	CorrelationID string      `json:"correlationId"`
}

// Message is the authoritative, persisted message as pushed to clients.
// CorrelationID is only set on acknowledgments to the sender.
type Message struct {
	ID            string      `json:"id"`
	ThreadID      string      `json:"threadId"`
	Seq           int64       `json:"seq"`
	SenderID      string      `json:"senderId"`
	ReceiverID    string      `json:"receiverId"`
	Author        string      `json:"author,omitempty"`
	Email         string      `json:"email,omitempty"`
	Picture       string      `json:"picture,omitempty"`
	Content       string      `json:"content"`
	Attachment    *Attachment `json:"attachment,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	Delivered     bool        `json:"delivered"`
	Read          bool        `json:"read"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// Rejected is the payload of message_rejected.
type Rejected struct {
	Reason        string `json:"reason"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// PresenceChanged is broadcast when a user goes online or offline.
type PresenceChanged struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

// Encode wraps payload into an envelope for the given event.
func Encode(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Event, err)
	}
	return nil
}

// UserChannel is the private channel addressed by a user's identity key.
func UserChannel(userID string) string {
	return "user:" + userID
}

// ThreadChannel is the channel for a thread's subscribers.
func ThreadChannel(threadID string) string {
	return "thread:" + threadID
}
