package model

import (
	"time"

	"github.com/google/uuid"
)

// User is the minimal view of a marketplace account the chat core needs.
type User struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session represents one client installation of a user. It is the unit of
// live delivery (ConnectionHandle) and of push delivery (PushToken).
type Session struct {
	ID               uuid.UUID     `json:"id"`
	UserID           uuid.UUID     `json:"userId"`
	Device           string        `json:"device"`
	PushToken        *string       `json:"deviceToken,omitempty"`
	PushPlatform     *PushPlatform `json:"devicePlatform,omitempty"`
	ConnectionHandle *string       `json:"-"`
	Online           bool          `json:"online"`
	LastSeen         time.Time     `json:"lastSeen"`
	IP               string        `json:"ip,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// Live reports whether the session currently has a connection bound.
func (s Session) Live() bool {
	return s.Online && s.ConnectionHandle != nil && *s.ConnectionHandle != ""
}

// Pushable reports whether a push notification can be addressed to the session.
func (s Session) Pushable() bool {
	return s.PushToken != nil && *s.PushToken != ""
}

// Platform returns the push platform of the session; sessions registered
// without one are treated as FCM.
func (s Session) Platform() PushPlatform {
	if s.PushPlatform == nil {
		return PlatformFCM
	}
	return *s.PushPlatform
}

// DeviceInfo carries the client-reported attributes of a session.
type DeviceInfo struct {
	Device       string
	PushToken    *string
	PushPlatform *PushPlatform
	IP           string
}

// Message is a durable chat message between two users, optionally scoped
// to a listing.
type Message struct {
	ID          uuid.UUID     `json:"id"`
	SenderID    uuid.UUID     `json:"senderId"`
	RecipientID uuid.UUID     `json:"receiverId"`
	ListingID   *string       `json:"listingId,omitempty"`
	Content     string        `json:"content"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	DeliveredAt *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time    `json:"readAt,omitempty"`
}

// Transition describes a message whose status was actually changed by a
// store operation.
type Transition struct {
	MessageID   uuid.UUID
	SenderID    uuid.UUID
	RecipientID uuid.UUID
	Status      MessageStatus
	At          time.Time
}
