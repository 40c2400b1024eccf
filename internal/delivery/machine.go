// Package delivery drives message status transitions and decides who may
// trigger them. Storage enforces monotonicity; this package adds ownership
// checks and retries.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marketchat/server/internal/model"
	"github.com/marketchat/server/internal/repo"
	"github.com/sethvargo/go-retry"
)

// Machine applies delivery transitions against a MessageRepo.
type Machine struct {
	messages repo.MessageRepo
	backoff  func() retry.Backoff
}

// NewMachine creates a Machine. Router driven transitions are retried with
// exponential backoff on storage errors.
func NewMachine(messages repo.MessageRepo) *Machine {
	return &Machine{
		messages: messages,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
		},
	}
}

// Routed records that msg reached at least one live session of its
// recipient. It returns the delivery time, which comes from the store even
// when a concurrent acknowledgment won the transition.
func (m *Machine) Routed(ctx context.Context, msg model.Message) (time.Time, error) {
	var deliveredAt time.Time
	err := retry.Do(ctx, m.backoff(), func(ctx context.Context) error {
		tr, err := m.messages.MarkDelivered(ctx, msg.RecipientID, []uuid.UUID{msg.ID})
		if err != nil {
			return retry.RetryableError(err)
		}
		if len(tr) == 1 {
			deliveredAt = tr[0].At
			return nil
		}
		current, err := m.messages.GetByID(ctx, msg.ID)
		if err != nil {
			return retry.RetryableError(err)
		}
		switch {
		case current.DeliveredAt != nil:
			deliveredAt = *current.DeliveredAt
		case current.ReadAt != nil:
			deliveredAt = *current.ReadAt
		default:
			deliveredAt = time.Now().UTC()
		}
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("mark routed message delivered: %w", err)
	}
	return deliveredAt, nil
}

// AckDelivered applies a receiver acknowledgment for one message. It
// reports false without error when the message is already past SENT.
func (m *Machine) AckDelivered(ctx context.Context, caller, messageID uuid.UUID) (model.Transition, bool, error) {
	if messageID == uuid.Nil {
		return model.Transition{}, false, fmt.Errorf("%w: messageId is required", model.ErrValidation)
	}
	tr, err := m.messages.MarkDelivered(ctx, caller, []uuid.UUID{messageID})
	if err != nil {
		return model.Transition{}, false, err
	}
	if len(tr) == 1 {
		return tr[0], true, nil
	}

	msg, err := m.messages.GetByID(ctx, messageID)
	if err != nil {
		return model.Transition{}, false, err
	}
	if msg.RecipientID != caller {
		return model.Transition{}, false, fmt.Errorf("%w: message %s is not addressed to caller", model.ErrUnauthorized, messageID)
	}
	return model.Transition{}, false, nil
}

// MarkDelivered acknowledges a batch. Ids that are unknown, addressed to
// someone else or already past SENT are skipped.
func (m *Machine) MarkDelivered(ctx context.Context, caller uuid.UUID, ids []uuid.UUID) ([]model.Transition, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: messageIds is required", model.ErrValidation)
	}
	return m.messages.MarkDelivered(ctx, caller, ids)
}

// MarkRead moves messages from sender to caller to READ. A nil ids slice
// marks every unread message of the pair.
func (m *Machine) MarkRead(ctx context.Context, caller, sender uuid.UUID, ids []uuid.UUID) ([]model.Transition, error) {
	if sender == uuid.Nil {
		return nil, fmt.Errorf("%w: senderId is required", model.ErrValidation)
	}
	if sender == caller {
		return nil, fmt.Errorf("%w: cannot mark own messages read", model.ErrUnauthorized)
	}
	return m.messages.MarkRead(ctx, sender, caller, ids)
}
