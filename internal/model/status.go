package model

import "fmt"

// MessageStatus is the delivery state of a message. States only move forward:
// SENT -> DELIVERED -> READ, with SENT -> READ allowed directly.
type MessageStatus string

const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
)

func (s MessageStatus) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead:
		return true
	}
	return false
}

// Rank orders statuses; unknown values rank below SENT.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	return s.Valid() && next.Valid() && next.Rank() > s.Rank()
}

// AdvanceSources lists the statuses a message may be in for target to be
// entered. Stores use it as the predicate of their conditional updates.
func AdvanceSources(target MessageStatus) []MessageStatus {
	var out []MessageStatus
	for _, s := range []MessageStatus{StatusSent, StatusDelivered, StatusRead} {
		if s.CanAdvanceTo(target) {
			out = append(out, s)
		}
	}
	return out
}

func ParseMessageStatus(raw string) (MessageStatus, error) {
	s := MessageStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown message status %q", ErrValidation, raw)
	}
	return s, nil
}

// PushPlatform selects the push gateway for a session.
type PushPlatform string

const (
	PlatformFCM  PushPlatform = "fcm"
	PlatformExpo PushPlatform = "expo"
)

// ParsePushPlatform returns nil for an empty value.
func ParsePushPlatform(raw string) (*PushPlatform, error) {
	switch PushPlatform(raw) {
	case "":
		return nil, nil
	case PlatformFCM, PlatformExpo:
		p := PushPlatform(raw)
		return &p, nil
	}
	return nil, fmt.Errorf("%w: unsupported device platform %q", ErrValidation, raw)
}
