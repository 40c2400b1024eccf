package gateway

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/marketchat/server/internal/chat"
	"github.com/marketchat/server/internal/logging"
	"github.com/marketchat/server/internal/model"
	"github.com/marketchat/server/internal/protocol"
)

var inboundEvents = map[string]struct{}{
	protocol.EventJoin:         {},
	protocol.EventSendMessage:  {},
	protocol.EventTyping:       {},
	protocol.EventStopTyping:   {},
	protocol.EventAckDelivered: {},
	protocol.EventAckRead:      {},
	protocol.EventPing:         {},
}

// dispatch handles one inbound event. A panic is reported to this client as
// INTERNAL and never reaches other connections.
func (c *client) dispatch(env protocol.Envelope) {
	start := time.Now()
	label := env.Type
	if _, ok := inboundEvents[label]; !ok && label != "" {
		label = "unknown"
	}
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error().
				Str(logging.FieldEvent, env.Type).
				Str("panic", fmt.Sprint(rec)).
				Bytes("stack", debug.Stack()).
				Msg("event handler panicked")
			c.sendError(protocol.CodeInternal, "internal error", env.Type, "")
		}
		c.gw.metrics.ObserveEvent(label, time.Since(start))
	}()

	if env.Type == "" {
		c.sendError(protocol.CodeBadRequest, "malformed event", "", "")
		return
	}
	if env.Type == protocol.EventJoin {
		c.onJoin(env)
		return
	}
	if c.sessionID == uuid.Nil {
		c.sendError(protocol.CodeNotJoined, "join a session first", env.Type, "")
		return
	}

	switch env.Type {
	case protocol.EventSendMessage:
		c.onSendMessage(env)
	case protocol.EventTyping, protocol.EventStopTyping:
		c.onTyping(env)
	case protocol.EventAckDelivered:
		c.onAckDelivered(env)
	case protocol.EventAckRead:
		c.onAckRead(env)
	case protocol.EventPing:
		_ = c.Send(protocol.MustEnvelope(protocol.EventPong, struct{}{}))
	default:
		c.sendError(protocol.CodeBadRequest, "unknown event "+env.Type, env.Type, "")
	}
}

func (c *client) onJoin(env protocol.Envelope) {
	if c.sessionID != uuid.Nil {
		c.sendError(protocol.CodeValidation, "connection already joined", env.Type, "")
		return
	}

	var p protocol.JoinPayload
	if err := env.Decode(&p); err != nil {
		c.joinFailed(env.Type, err)
		return
	}
	userID, err := protocol.ParseID("userId", p.UserID)
	if err != nil {
		c.joinFailed(env.Type, err)
		return
	}
	if userID != c.userID {
		c.joinFailed(env.Type, fmt.Errorf("%w: userId does not match the authenticated user", model.ErrUnauthorized))
		return
	}

	var s model.Session
	if p.SessionID == "" {
		device := p.Device
		if device == "" {
			device = c.device
		}
		s, err = c.gw.registry.BindNew(c.ctx, c.userID, device, c.ip, c)
	} else {
		sessionID, perr := protocol.ParseID("sessionId", p.SessionID)
		if perr != nil {
			c.joinFailed(env.Type, perr)
			return
		}
		s, err = c.gw.registry.Bind(c.ctx, sessionID, c.userID, c)
	}
	if err != nil {
		c.joinFailed(env.Type, err)
		return
	}

	c.sessionID = s.ID
	c.logger = c.logger.With().Str(logging.FieldSessionID, s.ID.String()).Logger()
	c.ctx = logging.WithLogger(c.ctx, c.logger)
	c.gw.metrics.Join("ok")
	logging.Audit(c.ctx, logging.ActionJoin, c.userID).
		Str(logging.FieldSessionID, s.ID.String()).
		Str("ip", c.ip).
		Msg("session joined")

	_ = c.Send(protocol.MustEnvelope(protocol.EventJoined, protocol.JoinedPayload{
		SessionID: s.ID, UserID: c.userID,
	}))
}

func (c *client) joinFailed(event string, err error) {
	c.gw.metrics.Join("failed")
	logging.Audit(c.ctx, logging.ActionJoinFailed, c.userID).
		Err(err).
		Msg("join rejected")
	c.fail(event, "", err)
}

func (c *client) onSendMessage(env protocol.Envelope) {
	var p protocol.SendMessagePayload
	if err := env.Decode(&p); err != nil {
		c.fail(env.Type, "", err)
		return
	}
	recipient, err := protocol.ParseID("receiverId", p.ReceiverID)
	if err != nil {
		c.fail(env.Type, p.TempID, err)
		return
	}

	msg, res, err := c.gw.chat.SendLive(c.ctx, c.userID, chat.SendInput{
		RecipientID: recipient,
		ListingID:   p.ListingID,
		Content:     p.Content,
	}, c, p.TempID)
	if err != nil {
		c.fail(env.Type, p.TempID, err)
		return
	}
	logging.Audit(c.ctx, logging.ActionSend, c.userID).
		Str(logging.FieldMessageID, msg.ID.String()).
		Str("outcome", string(res.Outcome)).
		Int("emitted", res.Emitted).
		Int("pushed", res.Pushed).
		Msg("message sent")
}

func (c *client) onTyping(env protocol.Envelope) {
	var p protocol.TypingPayload
	if err := env.Decode(&p); err != nil {
		c.fail(env.Type, "", err)
		return
	}
	to, err := protocol.ParseID("to", p.To)
	if err != nil {
		c.fail(env.Type, "", err)
		return
	}
	c.gw.router.RouteEphemeral(c.ctx, env.Type, c.userID, to)
}

func (c *client) onAckDelivered(env protocol.Envelope) {
	var p protocol.AckDeliveredPayload
	if err := env.Decode(&p); err != nil {
		c.fail(env.Type, "", err)
		return
	}
	id, err := protocol.ParseID("messageId", p.MessageID)
	if err != nil {
		c.fail(env.Type, "", err)
		return
	}
	changed, err := c.gw.chat.AckDelivered(c.ctx, c.userID, id)
	if err != nil {
		c.fail(env.Type, "", err)
		return
	}
	if changed {
		logging.Audit(c.ctx, logging.ActionAckDelivered, c.userID).
			Str(logging.FieldMessageID, id.String()).
			Msg("message delivered")
	}
}

func (c *client) onAckRead(env protocol.Envelope) {
	var p protocol.AckReadPayload
	if err := env.Decode(&p); err != nil {
		c.fail(env.Type, "", err)
		return
	}
	sender, err := protocol.ParseID("senderId", p.SenderID)
	if err != nil {
		c.fail(env.Type, "", err)
		return
	}
	ids, err := protocol.ParseIDs("messageIds", p.MessageIDs)
	if err != nil {
		c.fail(env.Type, "", err)
		return
	}
	trs, _, err := c.gw.chat.AckRead(c.ctx, c.userID, sender, ids)
	if err != nil {
		c.fail(env.Type, "", err)
		return
	}
	if len(trs) > 0 {
		logging.Audit(c.ctx, logging.ActionAckRead, c.userID).
			Str("sender_id", sender.String()).
			Int("count", len(trs)).
			Msg("messages read")
	}
}

// fail reports err to the client. Internal failures are logged and
// reported without detail.
func (c *client) fail(event, tempID string, err error) {
	code := errorCode(err)
	msg := err.Error()
	if code == protocol.CodeInternal {
		c.logger.Error().Err(err).Str(logging.FieldEvent, event).Msg("event failed")
		msg = "internal error"
	}
	c.sendError(code, msg, event, tempID)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidSession):
		return protocol.CodeInvalidSession
	case errors.Is(err, model.ErrValidation):
		return protocol.CodeValidation
	case errors.Is(err, model.ErrUnauthorized):
		return protocol.CodeUnauthorized
	case errors.Is(err, model.ErrNotFound):
		return protocol.CodeNotFound
	default:
		return protocol.CodeInternal
	}
}
