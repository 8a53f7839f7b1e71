// Package wire defines the JSON envelope spoken over the realtime stream and
// one typed payload per event name.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound event names.
const (
	NewMessage        = "newMessage"
	Typing            = "typing"
	UserJoined        = "userJoined"
	UserLeft          = "userLeft"
	UserStatusChanged = "userStatusChanged"
	MessageDelivered  = "messageDelivered"
	MessageReadBy     = "messageReadBy"
)

// Outbound event names. Typing and MessageDelivered are shared with the
// inbound set.
const (
	JoinChat        = "joinChat"
	LeaveChat       = "leaveChat"
	MessageRead     = "messageRead"
	SetOnlineStatus = "setOnlineStatus"
	SendMessage     = "sendMessage"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Payload is implemented by every typed inbound payload.
type Payload interface {
	EventName() string
}

// MessagePayload is the newMessage body. ClientID is present only when the
// server echoes the nonce supplied with sendMessage.
type MessagePayload struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"clientId,omitempty"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	Status         string    `json:"status,omitempty"`
}

// TypingPayload is used for inbound and outbound typing signals.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
}

// PresencePayload carries userJoined, userLeft and userStatusChanged.
// Status is only meaningful for userStatusChanged.
type PresencePayload struct {
	Kind   string `json:"-"`
	UserID string `json:"userId"`
	Status string `json:"status,omitempty"`
}

// ReceiptPayload carries messageDelivered and messageReadBy.
type ReceiptPayload struct {
	Kind           string `json:"-"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId,omitempty"`
}

func (MessagePayload) EventName() string    { return NewMessage }
func (TypingPayload) EventName() string     { return Typing }
func (p PresencePayload) EventName() string { return p.Kind }
func (p ReceiptPayload) EventName() string  { return p.Kind }

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Outbound bodies.
type (
	RoomRequest struct {
		ConversationID string `json:"conversationId"`
	}
	DeliveredRequest struct {
		MessageID string `json:"messageId"`
	}
	ReadRequest struct {
		MessageID      string `json:"messageId"`
		ConversationID string `json:"conversationId"`
	}
	StatusRequest struct {
		Status string `json:"status"`
	}
	SendRequest struct {
		ClientID       string `json:"clientId"`
		ConversationID string `json:"conversationId"`
		Content        string `json:"content"`
	}
)

// ErrUnknownEvent is wrapped by Decode for event names it does not model.
var ErrUnknownEvent = errors.New("unknown event")

// Decode turns an inbound envelope into its typed payload.
func Decode(env Envelope) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch env.Event {
	case NewMessage:
		var m MessagePayload
		err = unmarshal(env.Data, &m)
		p = m
	case Typing:
		var t TypingPayload
		err = unmarshal(env.Data, &t)
		p = t
	case UserJoined, UserLeft, UserStatusChanged:
		pr := PresencePayload{Kind: env.Event}
		err = unmarshal(env.Data, &pr)
		p = pr
	case MessageDelivered, MessageReadBy:
		r := ReceiptPayload{Kind: env.Event}
		err = unmarshal(env.Data, &r)
		p = r
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return p, nil
}

// Encode wraps body into an envelope frame.
func Encode(event string, body any) ([]byte, error) {
	env := Envelope{Event: event}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
