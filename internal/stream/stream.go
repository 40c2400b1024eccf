// Package stream publishes message lifecycle events for downstream
// consumers such as analytics and moderation. Publishing is best effort.
package stream

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/marketchat/server/internal/model"
)

// Event types.
const (
	TypeMessageSent      = "message.sent"
	TypeMessageDelivered = "message.delivered"
	TypeMessageRead      = "message.read"
)

// Event is one lifecycle change of a message.
type Event struct {
	Type        string              `json:"type"`
	MessageID   uuid.UUID           `json:"messageId"`
	SenderID    uuid.UUID           `json:"senderId"`
	RecipientID uuid.UUID           `json:"recipientId"`
	ListingID   *string             `json:"listingId,omitempty"`
	Status      model.MessageStatus `json:"status"`
	At          time.Time           `json:"at"`
}

// SentEvent describes a newly persisted message.
func SentEvent(m model.Message) Event {
	return Event{
		Type:        TypeMessageSent,
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		ListingID:   m.ListingID,
		Status:      m.Status,
		At:          m.CreatedAt,
	}
}

// TransitionEvent describes a status change reported by the store.
func TransitionEvent(t model.Transition) Event {
	typ := TypeMessageDelivered
	if t.Status == model.StatusRead {
		typ = TypeMessageRead
	}
	return Event{
		Type:        typ,
		MessageID:   t.MessageID,
		SenderID:    t.SenderID,
		RecipientID: t.RecipientID,
		Status:      t.Status,
		At:          t.At,
	}
}

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

func (Noop) Close() error { return nil }
