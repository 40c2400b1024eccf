// Package chat implements the messaging use cases shared by the REST API
// and the live gateway.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marketchat/server/internal/delivery"
	"github.com/marketchat/server/internal/logging"
	"github.com/marketchat/server/internal/model"
	"github.com/marketchat/server/internal/presence"
	"github.com/marketchat/server/internal/protocol"
	"github.com/marketchat/server/internal/push"
	"github.com/marketchat/server/internal/repo"
	"github.com/marketchat/server/internal/router"
	"github.com/marketchat/server/internal/stream"
)

// MaxContentLength bounds the size of a message body in bytes.
const MaxContentLength = 4000

type Options struct {
	// ReadReceiptPush sends a push to the sender when messages are marked
	// read over REST and the sender has no live session.
	ReadReceiptPush bool
}

type Service struct {
	messages  repo.MessageRepo
	users     repo.UserDirectory
	machine   *delivery.Machine
	router    *router.Router
	publisher stream.Publisher
	opts      Options
}

func NewService(messages repo.MessageRepo, users repo.UserDirectory, machine *delivery.Machine, r *router.Router, publisher stream.Publisher, opts Options) *Service {
	if publisher == nil {
		publisher = stream.Noop{}
	}
	return &Service{
		messages:  messages,
		users:     users,
		machine:   machine,
		router:    r,
		publisher: publisher,
		opts:      opts,
	}
}

// SendInput is a message as submitted by its sender.
type SendInput struct {
	RecipientID uuid.UUID
	ListingID   *string
	Content     string
}

func (in SendInput) validate(sender uuid.UUID) error {
	if in.RecipientID == uuid.Nil {
		return fmt.Errorf("%w: receiverId is required", model.ErrValidation)
	}
	if in.RecipientID == sender {
		return fmt.Errorf("%w: cannot send a message to yourself", model.ErrValidation)
	}
	if strings.TrimSpace(in.Content) == "" {
		return fmt.Errorf("%w: content is required", model.ErrValidation)
	}
	if len(in.Content) > MaxContentLength {
		return fmt.Errorf("%w: content exceeds %d bytes", model.ErrValidation, MaxContentLength)
	}
	return nil
}

// Send validates and persists a message with status SENT.
func (s *Service) Send(ctx context.Context, sender uuid.UUID, in SendInput) (model.Message, error) {
	if err := in.validate(sender); err != nil {
		return model.Message{}, err
	}
	ok, err := s.users.Exists(ctx, in.RecipientID)
	if err != nil {
		return model.Message{}, err
	}
	if !ok {
		return model.Message{}, fmt.Errorf("%w: receiver %s", model.ErrNotFound, in.RecipientID)
	}

	msg, err := s.messages.Create(ctx, model.Message{
		SenderID:    sender,
		RecipientID: in.RecipientID,
		ListingID:   in.ListingID,
		Content:     in.Content,
	})
	if err != nil {
		return model.Message{}, err
	}
	s.publish(ctx, stream.SentEvent(msg))
	return msg, nil
}

// SendLive persists a message and routes it to the recipient's live
// sessions, acknowledging to origin.
func (s *Service) SendLive(ctx context.Context, sender uuid.UUID, in SendInput, origin presence.Conn, tempID string) (model.Message, router.Result, error) {
	msg, err := s.Send(ctx, sender, in)
	if err != nil {
		return model.Message{}, router.Result{}, err
	}
	res := s.router.RouteAndDeliver(ctx, msg, origin, tempID)
	if res.Outcome == router.OutcomeDelivered {
		at := res.DeliveredAt
		msg.Status = model.StatusDelivered
		msg.DeliveredAt = &at
		s.publish(ctx, stream.TransitionEvent(model.Transition{
			MessageID: msg.ID, SenderID: msg.SenderID, RecipientID: msg.RecipientID,
			Status: model.StatusDelivered, At: at,
		}))
	}
	return msg, res, nil
}

// SendREST persists a message and falls back to push when the recipient
// has no live session.
func (s *Service) SendREST(ctx context.Context, sender uuid.UUID, in SendInput) (model.Message, router.Result, error) {
	msg, err := s.Send(ctx, sender, in)
	if err != nil {
		return model.Message{}, router.Result{}, err
	}
	return msg, s.router.PushFallback(ctx, msg), nil
}

// Conversation returns the messages exchanged between caller and other,
// oldest first.
func (s *Service) Conversation(ctx context.Context, caller, other uuid.UUID) ([]model.Message, error) {
	if other == uuid.Nil {
		return nil, fmt.Errorf("%w: otherUserId is required", model.ErrValidation)
	}
	return s.messages.Conversation(ctx, caller, other)
}

func (s *Service) UnreadCounts(ctx context.Context, caller uuid.UUID) (map[uuid.UUID]int, error) {
	return s.messages.UnreadCounts(ctx, caller)
}

// AckDelivered applies a receipt acknowledgment and tells the sender's live
// sessions. It reports whether the message changed state.
func (s *Service) AckDelivered(ctx context.Context, caller, messageID uuid.UUID) (bool, error) {
	tr, changed, err := s.machine.AckDelivered(ctx, caller, messageID)
	if err != nil || !changed {
		return false, err
	}
	s.deliveredNotice(ctx, tr)
	return true, nil
}

// MarkDelivered acknowledges a batch of messages and returns how many
// changed state.
func (s *Service) MarkDelivered(ctx context.Context, caller uuid.UUID, ids []uuid.UUID) (int, error) {
	trs, err := s.machine.MarkDelivered(ctx, caller, ids)
	if err != nil {
		return 0, err
	}
	for _, tr := range trs {
		s.deliveredNotice(ctx, tr)
	}
	return len(trs), nil
}

// AckRead marks messages from sender as read by caller and tells the
// sender's live sessions which ids changed. A nil ids slice covers every
// unread message from sender. The int result is the number of live
// sessions notified.
func (s *Service) AckRead(ctx context.Context, caller, sender uuid.UUID, ids []uuid.UUID) ([]model.Transition, int, error) {
	trs, err := s.machine.MarkRead(ctx, caller, sender, ids)
	if err != nil {
		return nil, 0, err
	}
	if len(trs) == 0 {
		return nil, 0, nil
	}

	read := make([]uuid.UUID, 0, len(trs))
	readAt := trs[0].At
	for _, tr := range trs {
		read = append(read, tr.MessageID)
		if tr.At.After(readAt) {
			readAt = tr.At
		}
		s.publish(ctx, stream.TransitionEvent(tr))
	}
	env := protocol.MustEnvelope(protocol.EventMessagesRead, protocol.MessagesReadPayload{
		By: caller, MessageIDs: read, ReadAt: readAt,
	})
	return trs, s.router.NotifyUser(ctx, sender, env), nil
}

// MarkRead marks everything from sender as read by caller. When enabled and
// the sender has no live session a read receipt push is sent.
func (s *Service) MarkRead(ctx context.Context, caller, sender uuid.UUID) (int, error) {
	trs, notified, err := s.AckRead(ctx, caller, sender, nil)
	if err != nil {
		return 0, err
	}
	if len(trs) > 0 && notified == 0 && s.opts.ReadReceiptPush {
		s.router.PushToUser(ctx, sender, push.NewReadReceipt(caller.String()))
	}
	return len(trs), nil
}

func (s *Service) deliveredNotice(ctx context.Context, tr model.Transition) {
	s.publish(ctx, stream.TransitionEvent(tr))
	env := protocol.MustEnvelope(protocol.EventMessageDelivered, protocol.MessageDeliveredPayload{
		ID: tr.MessageID, DeliveredAt: tr.At,
	})
	s.router.NotifyUser(ctx, tr.SenderID, env)
}

func (s *Service) publish(ctx context.Context, e stream.Event) {
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, e); err != nil {
		logger := logging.Ctx(ctx)
		logger.Warn().Err(err).
			Str(logging.FieldMessageID, e.MessageID.String()).
			Str(logging.FieldEvent, e.Type).
			Msg("failed to publish lifecycle event")
	}
}
