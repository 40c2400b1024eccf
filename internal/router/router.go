// Package router resolves a recipient's live sessions and delivers events
// to all of them, falling back to push notifications when none is live.
package router

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marketchat/server/internal/delivery"
	"github.com/marketchat/server/internal/logging"
	"github.com/marketchat/server/internal/metrics"
	"github.com/marketchat/server/internal/model"
	"github.com/marketchat/server/internal/presence"
	"github.com/marketchat/server/internal/protocol"
	"github.com/marketchat/server/internal/push"
	"github.com/marketchat/server/internal/repo"
	"golang.org/x/sync/errgroup"
)

// Outcome is the delivery state a routed message ended in.
type Outcome string

const (
	OutcomeDelivered Outcome = "DELIVERED"
	OutcomeSent      Outcome = "SENT"
)

// Result describes what RouteAndDeliver did.
type Result struct {
	Outcome     Outcome
	DeliveredAt time.Time
	LiveTargets int
	Emitted     int
	Pushed      int
}

// Emitter delivers an event to the connection bound to a session.
type Emitter interface {
	Emit(ctx context.Context, s model.Session, env protocol.Envelope) error
}

type Router struct {
	sessions repo.SessionRepo
	emitter  Emitter
	machine  *delivery.Machine
	notifier push.Notifier
	metrics  *metrics.Metrics
	fanout   int
}

// New creates a Router. fanout bounds concurrent emits per event.
func New(sessions repo.SessionRepo, emitter Emitter, machine *delivery.Machine, notifier push.Notifier, m *metrics.Metrics) *Router {
	return &Router{
		sessions: sessions,
		emitter:  emitter,
		machine:  machine,
		notifier: notifier,
		metrics:  m,
		fanout:   16,
	}
}

// RouteAndDeliver delivers a persisted message. Every live session of the
// recipient receives it; if at least one emit succeeded the message becomes
// DELIVERED and origin gets message_delivered. With no live session each
// pushable session gets a notification and origin gets message_sent.
// origin may be nil.
func (r *Router) RouteAndDeliver(ctx context.Context, msg model.Message, origin presence.Conn, tempID string) Result {
	logger := logging.Ctx(ctx).With().Str(logging.FieldMessageID, msg.ID.String()).Logger()

	live, err := r.sessions.FindLive(ctx, msg.RecipientID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to resolve live sessions")
		r.echoSent(ctx, origin, msg, tempID)
		r.metrics.Route(string(OutcomeSent))
		return Result{Outcome: OutcomeSent}
	}

	if len(live) == 0 {
		pushed := r.pushToUser(ctx, msg.RecipientID, push.NewMessageAlert(msg))
		r.echoSent(ctx, origin, msg, tempID)
		r.metrics.Route(string(OutcomeSent))
		return Result{Outcome: OutcomeSent, Pushed: pushed}
	}

	env, err := protocol.NewEnvelope(protocol.EventReceiveMessage, msg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode message")
		r.echoSent(ctx, origin, msg, tempID)
		return Result{Outcome: OutcomeSent, LiveTargets: len(live)}
	}
	emitted := r.fanOut(ctx, live, env)
	res := Result{Outcome: OutcomeSent, LiveTargets: len(live), Emitted: emitted}

	if emitted == 0 {
		logger.Warn().Int("live", len(live)).Msg("no live session accepted the message")
		r.echoSent(ctx, origin, msg, tempID)
		r.metrics.Route(string(OutcomeSent))
		return res
	}

	at, err := r.machine.Routed(ctx, msg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to record delivery")
		r.echoSent(ctx, origin, msg, tempID)
		r.metrics.Route(string(OutcomeSent))
		return res
	}
	res.Outcome = OutcomeDelivered
	res.DeliveredAt = at
	r.metrics.Route(string(OutcomeDelivered))

	if origin != nil {
		ack := protocol.MustEnvelope(protocol.EventMessageDelivered, protocol.MessageDeliveredPayload{
			ID: msg.ID, DeliveredAt: at, TempID: tempID,
		})
		if err := origin.Send(ack); err != nil {
			logger.Debug().Err(err).Msg("failed to acknowledge sender")
		}
	}
	return res
}

// PushFallback is the delivery step for messages sent without a live
// connection: it pushes only when the recipient has no live session.
func (r *Router) PushFallback(ctx context.Context, msg model.Message) Result {
	live, err := r.sessions.FindLive(ctx, msg.RecipientID)
	if err != nil {
		logger := logging.Ctx(ctx)
		logger.Error().Err(err).Str(logging.FieldMessageID, msg.ID.String()).Msg("failed to resolve live sessions")
		return Result{Outcome: OutcomeSent}
	}
	if len(live) > 0 {
		return Result{Outcome: OutcomeSent, LiveTargets: len(live)}
	}
	return Result{Outcome: OutcomeSent, Pushed: r.pushToUser(ctx, msg.RecipientID, push.NewMessageAlert(msg))}
}

// RouteEphemeral fans a typing indicator out to the live sessions of to.
// It is dropped silently when none is live.
func (r *Router) RouteEphemeral(ctx context.Context, eventType string, from, to uuid.UUID) int {
	live, err := r.sessions.FindLive(ctx, to)
	if err != nil || len(live) == 0 {
		r.metrics.Ephemeral("dropped")
		return 0
	}
	env := protocol.MustEnvelope(eventType, protocol.TypingPayload{From: from.String()})
	n := r.fanOut(ctx, live, env)
	r.metrics.Ephemeral("delivered")
	return n
}

// NotifyUser emits env to every live session of userID and returns how
// many emits succeeded.
func (r *Router) NotifyUser(ctx context.Context, userID uuid.UUID, env protocol.Envelope) int {
	live, err := r.sessions.FindLive(ctx, userID)
	if err != nil {
		logger := logging.Ctx(ctx)
		logger.Error().Err(err).Str(logging.FieldUserID, userID.String()).Msg("failed to resolve live sessions")
		return 0
	}
	return r.fanOut(ctx, live, env)
}

// PushToUser queues msg for every pushable session of userID.
func (r *Router) PushToUser(ctx context.Context, userID uuid.UUID, msg push.Message) int {
	return r.pushToUser(ctx, userID, msg)
}

func (r *Router) pushToUser(ctx context.Context, userID uuid.UUID, msg push.Message) int {
	if r.notifier == nil {
		return 0
	}
	sessions, err := r.sessions.FindPushable(ctx, userID)
	if err != nil {
		logger := logging.Ctx(ctx)
		logger.Error().Err(err).Str(logging.FieldUserID, userID.String()).Msg("failed to resolve pushable sessions")
		return 0
	}
	n := 0
	for _, s := range sessions {
		if r.notifier.Notify(ctx, s, msg) {
			n++
		}
	}
	return n
}

func (r *Router) fanOut(ctx context.Context, sessions []model.Session, env protocol.Envelope) int {
	if len(sessions) == 1 {
		if err := r.emitter.Emit(ctx, sessions[0], env); err != nil {
			r.logEmitFailure(ctx, sessions[0], env, err)
			return 0
		}
		return 1
	}

	var (
		g  errgroup.Group
		ok atomic.Int32
	)
	g.SetLimit(r.fanout)
	for _, s := range sessions {
		g.Go(func() error {
			if err := r.emitter.Emit(ctx, s, env); err != nil {
				r.logEmitFailure(ctx, s, env, err)
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load())
}

func (r *Router) logEmitFailure(ctx context.Context, s model.Session, env protocol.Envelope, err error) {
	logger := logging.Ctx(ctx)
	logger.Warn().Err(err).
		Str(logging.FieldSessionID, s.ID.String()).
		Str(logging.FieldEvent, env.Type).
		Msg("emit to session failed")
}

func (r *Router) echoSent(ctx context.Context, origin presence.Conn, msg model.Message, tempID string) {
	if origin == nil {
		return
	}
	env := protocol.MustEnvelope(protocol.EventMessageSent, protocol.MessageSentPayload{Message: msg, TempID: tempID})
	if err := origin.Send(env); err != nil {
		logger := logging.Ctx(ctx)
		logger.Debug().Err(err).Str(logging.FieldMessageID, msg.ID.String()).Msg("failed to echo message to sender")
	}
}
