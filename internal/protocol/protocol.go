// Package protocol defines the JSON event protocol spoken over live
// connections. Every frame is an Envelope whose Data is decoded according
// to Type.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marketchat/server/internal/model"
)

// Inbound events.
const (
	EventJoin         = "join"
	EventSendMessage  = "send_message"
	EventTyping       = "typing"
	EventStopTyping   = "stop_typing"
	EventAckDelivered = "ack_delivered"
	EventAckRead      = "ack_read"
	EventPing         = "ping"
)

// Outbound events.
const (
	EventJoined           = "joined"
	EventReceiveMessage   = "receive_message"
	EventMessageSent      = "message_sent"
	EventMessageDelivered = "message_delivered"
	EventMessagesRead     = "messages_read"
	EventPong             = "pong"
	EventError            = "error"
)

// Error codes carried by error events.
const (
	CodeInvalidSession = "INVALID_SESSION"
	CodeValidation     = "VALIDATION"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeNotFound       = "NOT_FOUND"
	CodeNotJoined      = "NOT_JOINED"
	CodeBadRequest     = "BAD_REQUEST"
	CodeInternal       = "INTERNAL"
)

// Envelope is one protocol frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: eventType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{Type: eventType, Data: data}, nil
}

// MustEnvelope is NewEnvelope for payload types that always marshal.
func MustEnvelope(eventType string, payload any) Envelope {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s payload is empty", model.ErrValidation, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: malformed %s payload: %v", model.ErrValidation, e.Type, err)
	}
	return nil
}

// JoinPayload binds a connection to a session. An empty SessionID asks the
// server to register a new session for this connection.
type JoinPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Device    string `json:"device,omitempty"`
}

type JoinedPayload struct {
	SessionID uuid.UUID `json:"sessionId"`
	UserID    uuid.UUID `json:"userId"`
}

type SendMessagePayload struct {
	ReceiverID string  `json:"receiverId"`
	ListingID  *string `json:"listingId,omitempty"`
	Content    string  `json:"content"`
	TempID     string  `json:"tempId,omitempty"`
}

// TypingPayload is used inbound with To set and outbound with From set.
type TypingPayload struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
}

type AckDeliveredPayload struct {
	MessageID string `json:"messageId"`
}

type AckReadPayload struct {
	MessageIDs []string `json:"messageIds"`
	SenderID   string   `json:"senderId"`
}

type MessageDeliveredPayload struct {
	ID          uuid.UUID `json:"id"`
	DeliveredAt time.Time `json:"deliveredAt"`
	TempID      string    `json:"tempId,omitempty"`
}

type MessageSentPayload struct {
	model.Message
	TempID string `json:"tempId,omitempty"`
}

type MessagesReadPayload struct {
	By         uuid.UUID   `json:"by"`
	MessageIDs []uuid.UUID `json:"messageIds"`
	ReadAt     time.Time   `json:"readAt"`
}

// ErrorPayload reports a rejected inbound event. Event and TempID echo the
// rejected event so clients can correlate the failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
	TempID  string `json:"tempId,omitempty"`
}

// ErrorEnvelope builds an error event.
func ErrorEnvelope(code, message string) Envelope {
	return MustEnvelope(EventError, ErrorPayload{Code: code, Message: message})
}

// ParseID parses a uuid field of a payload, naming the field on failure.
func ParseID(field, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", model.ErrValidation, field)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s is not a valid id", model.ErrValidation, field)
	}
	return id, nil
}

// ParseIDs parses a list of ids. A nil input yields nil.
func ParseIDs(field string, raw []string) ([]uuid.UUID, error) {
	if raw == nil {
		return nil, nil
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := ParseID(field, r)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
