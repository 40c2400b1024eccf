package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/marketchat/server/internal/delivery"
	"github.com/marketchat/server/internal/model"
	"github.com/marketchat/server/internal/presence"
	"github.com/marketchat/server/internal/protocol"
	"github.com/marketchat/server/internal/push"
	"github.com/marketchat/server/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recConn struct {
	handle string
	mu     sync.Mutex
	events []protocol.Envelope
	fail   bool
}

func (c *recConn) Handle() string { return c.handle }

func (c *recConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("send buffer full")
	}
	c.events = append(c.events, env)
	return nil
}

func (c *recConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func (c *recConn) last() protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

type recNotifier struct {
	mu   sync.Mutex
	sent []model.Session
	msgs []push.Message
}

func (n *recNotifier) Notify(_ context.Context, s model.Session, msg push.Message) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, s)
	n.msgs = append(n.msgs, msg)
	return true
}

type fixture struct {
	sessions *repo.MemorySessions
	messages *repo.MemoryMessages
	emitter  *presence.Emitter
	notifier *recNotifier
	router   *Router
}

func newFixture() *fixture {
	f := &fixture{
		sessions: repo.NewMemorySessions(),
		messages: repo.NewMemoryMessages(),
		emitter:  presence.NewEmitter("n1", presence.NewTable(), nil),
		notifier: &recNotifier{},
	}
	f.router = New(f.sessions, f.emitter, delivery.NewMachine(f.messages), f.notifier, nil)
	return f
}

// connect creates a session for user and binds a recording connection to it.
func (f *fixture) connect(t *testing.T, user uuid.UUID) *recConn {
	t.Helper()
	ctx := context.Background()
	s, err := f.sessions.Create(ctx, user, model.DeviceInfo{Device: "test"})
	require.NoError(t, err)
	conn := &recConn{handle: f.emitter.NewHandle()}
	f.emitter.Table().Set(s.ID, conn)
	_, err = f.sessions.Bind(ctx, s.ID, user, conn.handle)
	require.NoError(t, err)
	return conn
}

func (f *fixture) pushDevice(t *testing.T, user uuid.UUID, token string) {
	t.Helper()
	_, err := f.sessions.Create(context.Background(), user, model.DeviceInfo{Device: "phone", PushToken: &token})
	require.NoError(t, err)
}

func (f *fixture) send(t *testing.T, from, to uuid.UUID, content string) model.Message {
	t.Helper()
	m, err := f.messages.Create(context.Background(), model.Message{SenderID: from, RecipientID: to, Content: content})
	require.NoError(t, err)
	return m
}

func TestRouteFansOutToEveryLiveSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	origin := f.connect(t, alice)
	phone := f.connect(t, bob)
	laptop := f.connect(t, bob)
	f.pushDevice(t, bob, "tok")

	msg := f.send(t, alice, bob, "hello")
	res := f.router.RouteAndDeliver(ctx, msg, origin, "tmp-1")

	assert.Equal(t, OutcomeDelivered, res.Outcome)
	assert.Equal(t, 2, res.Emitted)
	assert.Equal(t, []string{protocol.EventReceiveMessage}, phone.types())
	assert.Equal(t, []string{protocol.EventReceiveMessage}, laptop.types())
	assert.Empty(t, f.notifier.sent, "live recipients must not be pushed")

	require.Equal(t, []string{protocol.EventMessageDelivered}, origin.types())
	var ack protocol.MessageDeliveredPayload
	require.NoError(t, json.Unmarshal(origin.last().Data, &ack))
	assert.Equal(t, msg.ID, ack.ID)
	assert.Equal(t, "tmp-1", ack.TempID)

	stored, _ := f.messages.GetByID(ctx, msg.ID)
	assert.Equal(t, model.StatusDelivered, stored.Status)
	assert.Equal(t, ack.DeliveredAt, *stored.DeliveredAt)
}

func TestRoutePushesWhenRecipientOffline(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	origin := f.connect(t, alice)
	f.pushDevice(t, bob, "tok-1")
	f.pushDevice(t, bob, "tok-2")

	listing := "listing-9"
	msg, _ := f.messages.Create(ctx, model.Message{SenderID: alice, RecipientID: bob, Content: "still there?", ListingID: &listing})
	res := f.router.RouteAndDeliver(ctx, msg, origin, "")

	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, 2, res.Pushed)
	require.Len(t, f.notifier.msgs, 2)
	assert.Equal(t, push.TypeMessage, f.notifier.msgs[0].Data[push.DataType])
	assert.Equal(t, listing, f.notifier.msgs[0].Data[push.DataListingID])
	assert.Equal(t, []string{protocol.EventMessageSent}, origin.types())

	stored, _ := f.messages.GetByID(ctx, msg.ID)
	assert.Equal(t, model.StatusSent, stored.Status)
}

func TestRouteWithoutAnySessionStaysSent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	msg := f.send(t, alice, bob, "hi")
	res := f.router.RouteAndDeliver(ctx, msg, nil, "")

	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Zero(t, res.Pushed)
	assert.Empty(t, f.notifier.sent)

	counts, _ := f.messages.UnreadCounts(ctx, bob)
	assert.Equal(t, 1, counts[alice])
}

func TestRoutePartialFailureStillDelivers(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	broken := f.connect(t, bob)
	broken.fail = true
	healthy := f.connect(t, bob)

	res := f.router.RouteAndDeliver(ctx, f.send(t, alice, bob, "x"), nil, "")

	assert.Equal(t, OutcomeDelivered, res.Outcome)
	assert.Equal(t, 1, res.Emitted)
	assert.Len(t, healthy.types(), 1)
}

func TestRouteAllEmitsFailStaysSentWithoutPush(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	origin := f.connect(t, alice)
	broken := f.connect(t, bob)
	broken.fail = true
	f.pushDevice(t, bob, "tok")

	msg := f.send(t, alice, bob, "x")
	res := f.router.RouteAndDeliver(ctx, msg, origin, "")

	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Empty(t, f.notifier.sent)
	assert.Equal(t, []string{protocol.EventMessageSent}, origin.types())
	stored, _ := f.messages.GetByID(ctx, msg.ID)
	assert.Equal(t, model.StatusSent, stored.Status)
}

func TestRouteEphemeral(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	f.pushDevice(t, bob, "tok")

	assert.Zero(t, f.router.RouteEphemeral(ctx, protocol.EventTyping, alice, bob))
	assert.Empty(t, f.notifier.sent)

	conn := f.connect(t, bob)
	assert.Equal(t, 1, f.router.RouteEphemeral(ctx, protocol.EventStopTyping, alice, bob))
	require.Equal(t, []string{protocol.EventStopTyping}, conn.types())

	var p protocol.TypingPayload
	require.NoError(t, json.Unmarshal(conn.last().Data, &p))
	assert.Equal(t, alice.String(), p.From)
}

func TestPushFallbackSkipsLiveRecipients(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	f.pushDevice(t, bob, "tok")

	res := f.router.PushFallback(ctx, f.send(t, alice, bob, "one"))
	assert.Equal(t, 1, res.Pushed)

	f.connect(t, bob)
	res = f.router.PushFallback(ctx, f.send(t, alice, bob, "two"))
	assert.Zero(t, res.Pushed)
	assert.Len(t, f.notifier.sent, 1)
}

func TestNotifyUser(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	user := uuid.New()
	a, b := f.connect(t, user), f.connect(t, user)

	n := f.router.NotifyUser(ctx, user, protocol.MustEnvelope(protocol.EventMessagesRead, protocol.MessagesReadPayload{By: uuid.New()}))
	assert.Equal(t, 2, n)
	assert.Len(t, a.types(), 1)
	assert.Len(t, b.types(), 1)
}
