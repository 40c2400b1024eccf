// Package push delivers best-effort platform notifications to sessions
// that have no live connection.
package push

import (
	"context"

	"github.com/marketchat/server/internal/model"
)

// Data keys and values carried by chat notifications.
const (
	DataType      = "type"
	DataSenderID  = "senderId"
	DataListingID = "listingId"
	DataBy        = "by"

	TypeMessage = "message"
	TypeRead    = "read"
)

// Message is the platform independent content of a notification.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Notification is a Message addressed to one device token.
type Notification struct {
	Token    string
	Platform model.PushPlatform
	Message
}

// Sender delivers a notification through one push provider.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Notifier queues a push for a session.
type Notifier interface {
	Notify(ctx context.Context, s model.Session, msg Message) bool
}

// NewMessageAlert builds the notification for an incoming chat message.
func NewMessageAlert(m model.Message) Message {
	data := map[string]string{
		DataType:     TypeMessage,
		DataSenderID: m.SenderID.String(),
	}
	if m.ListingID != nil {
		data[DataListingID] = *m.ListingID
	}
	return Message{Title: "New message", Body: m.Content, Data: data}
}

// NewReadReceipt builds the notification telling a sender their messages were read.
func NewReadReceipt(reader string) Message {
	return Message{
		Title: "Messages read",
		Body:  "Your messages were read",
		Data:  map[string]string{DataType: TypeRead, DataBy: reader},
	}
}
