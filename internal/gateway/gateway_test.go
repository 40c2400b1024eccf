package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/marketchat/server/internal/chat"
	"github.com/marketchat/server/internal/delivery"
	"github.com/marketchat/server/internal/middleware"
	"github.com/marketchat/server/internal/model"
	"github.com/marketchat/server/internal/presence"
	"github.com/marketchat/server/internal/protocol"
	"github.com/marketchat/server/internal/push"
	"github.com/marketchat/server/internal/repo"
	"github.com/marketchat/server/internal/router"
	"github.com/marketchat/server/internal/session"
	"github.com/marketchat/server/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *recordingNotifier) Notify(context.Context, model.Session, push.Message) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
	return true
}

func (n *recordingNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

type harness struct {
	t        *testing.T
	server   *httptest.Server
	gateway  *Gateway
	sessions *repo.MemorySessions
	messages *repo.MemoryMessages
	notifier *recordingNotifier
	alice    uuid.UUID
	bob      uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		sessions: repo.NewMemorySessions(),
		messages: repo.NewMemoryMessages(),
		notifier: &recordingNotifier{},
		alice:    uuid.New(),
		bob:      uuid.New(),
	}
	users := repo.NewMemoryUsers(h.alice, h.bob)
	emitter := presence.NewEmitter("node-a", presence.NewTable(), nil)
	machine := delivery.NewMachine(h.messages)
	rt := router.New(h.sessions, emitter, machine, h.notifier, nil)
	svc := chat.NewService(h.messages, users, machine, rt, stream.Noop{}, chat.Options{})
	registry := session.NewRegistry(h.sessions, emitter)

	h.gateway = New(Config{PongWait: 5 * time.Second}, registry, svc, rt, emitter, nil)

	// Stands in for the auth middleware.
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get("X-User"))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.gateway.ServeHTTP(w, r.WithContext(middleware.WithUserID(r.Context(), id)))
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) dial(user uuid.UUID) *websocket.Conn {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	header := http.Header{}
	header.Set("X-User", user.String())
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) join(conn *websocket.Conn, user uuid.UUID) uuid.UUID {
	h.t.Helper()
	send(h.t, conn, protocol.EventJoin, protocol.JoinPayload{UserID: user.String()})
	var joined protocol.JoinedPayload
	expect(h.t, conn, protocol.EventJoined, &joined)
	return joined.SessionID
}

func send(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(eventType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

// expect reads frames until one of eventType arrives, decoding it into v.
func expect(t *testing.T, conn *websocket.Conn, eventType string, v any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var env protocol.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", eventType)
		if env.Type != eventType {
			continue
		}
		if v != nil {
			require.NoError(t, json.Unmarshal(env.Data, v))
		}
		return
	}
}

func expectError(t *testing.T, conn *websocket.Conn, code string) protocol.ErrorPayload {
	t.Helper()
	var p protocol.ErrorPayload
	expect(t, conn, protocol.EventError, &p)
	assert.Equal(t, code, p.Code)
	return p
}

func TestEventsBeforeJoinAreRejected(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(h.alice)

	send(t, conn, protocol.EventSendMessage, protocol.SendMessagePayload{
		ReceiverID: h.bob.String(), Content: "hi",
	})
	p := expectError(t, conn, protocol.CodeNotJoined)
	assert.Equal(t, protocol.EventSendMessage, p.Event)

	send(t, conn, protocol.EventPing, struct{}{})
	expectError(t, conn, protocol.CodeNotJoined)
}

func TestJoinRejections(t *testing.T) {
	h := newHarness(t)

	t.Run("user mismatch", func(t *testing.T) {
		conn := h.dial(h.alice)
		send(t, conn, protocol.EventJoin, protocol.JoinPayload{UserID: h.bob.String()})
		expectError(t, conn, protocol.CodeUnauthorized)
	})

	t.Run("unknown session", func(t *testing.T) {
		conn := h.dial(h.alice)
		send(t, conn, protocol.EventJoin, protocol.JoinPayload{
			SessionID: uuid.NewString(), UserID: h.alice.String(),
		})
		expectError(t, conn, protocol.CodeInvalidSession)
	})

	t.Run("session of another user", func(t *testing.T) {
		s, err := h.sessions.Create(context.Background(), h.bob, model.DeviceInfo{Device: "phone"})
		require.NoError(t, err)

		conn := h.dial(h.alice)
		send(t, conn, protocol.EventJoin, protocol.JoinPayload{
			SessionID: s.ID.String(), UserID: h.alice.String(),
		})
		expectError(t, conn, protocol.CodeInvalidSession)

		got, err := h.sessions.GetByID(context.Background(), s.ID)
		require.NoError(t, err)
		assert.False(t, got.Online)
	})

	t.Run("second join", func(t *testing.T) {
		conn := h.dial(h.alice)
		h.join(conn, h.alice)
		send(t, conn, protocol.EventJoin, protocol.JoinPayload{UserID: h.alice.String()})
		expectError(t, conn, protocol.CodeValidation)
	})

	t.Run("malformed frame", func(t *testing.T) {
		conn := h.dial(h.alice)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
		expectError(t, conn, protocol.CodeBadRequest)
	})
}

func TestJoinExistingSession(t *testing.T) {
	h := newHarness(t)
	s, err := h.sessions.Create(context.Background(), h.alice, model.DeviceInfo{Device: "tablet"})
	require.NoError(t, err)

	conn := h.dial(h.alice)
	send(t, conn, protocol.EventJoin, protocol.JoinPayload{SessionID: s.ID.String(), UserID: h.alice.String()})
	var joined protocol.JoinedPayload
	expect(t, conn, protocol.EventJoined, &joined)
	assert.Equal(t, s.ID, joined.SessionID)

	got, err := h.sessions.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, got.Online)
	require.NotNil(t, got.ConnectionHandle)
	assert.Equal(t, "node-a", presence.NodeOf(*got.ConnectionHandle))

	send(t, conn, protocol.EventPing, struct{}{})
	expect(t, conn, protocol.EventPong, nil)
}

func TestSendMessageReachesEveryDevice(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(h.alice)
	h.join(alice, h.alice)
	phone := h.dial(h.bob)
	h.join(phone, h.bob)
	laptop := h.dial(h.bob)
	h.join(laptop, h.bob)

	send(t, alice, protocol.EventSendMessage, protocol.SendMessagePayload{
		ReceiverID: h.bob.String(), Content: "is the bike still available?", TempID: "t-1",
	})

	var onPhone, onLaptop model.Message
	expect(t, phone, protocol.EventReceiveMessage, &onPhone)
	expect(t, laptop, protocol.EventReceiveMessage, &onLaptop)
	assert.Equal(t, onPhone.ID, onLaptop.ID)
	assert.Equal(t, "is the bike still available?", onPhone.Content)

	var ack protocol.MessageDeliveredPayload
	expect(t, alice, protocol.EventMessageDelivered, &ack)
	assert.Equal(t, onPhone.ID, ack.ID)
	assert.Equal(t, "t-1", ack.TempID)

	stored, err := h.messages.GetByID(context.Background(), ack.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, stored.Status)
	assert.Zero(t, h.notifier.Count())
}

func TestSendMessageToOfflineRecipientPushes(t *testing.T) {
	h := newHarness(t)
	token := "fcm-token"
	platform := model.PlatformFCM
	_, err := h.sessions.Create(context.Background(), h.bob, model.DeviceInfo{
		Device: "phone", PushToken: &token, PushPlatform: &platform,
	})
	require.NoError(t, err)

	alice := h.dial(h.alice)
	h.join(alice, h.alice)
	send(t, alice, protocol.EventSendMessage, protocol.SendMessagePayload{
		ReceiverID: h.bob.String(), Content: "hello", TempID: "t-2",
	})

	var sent protocol.MessageSentPayload
	expect(t, alice, protocol.EventMessageSent, &sent)
	assert.Equal(t, "t-2", sent.TempID)
	assert.Equal(t, model.StatusSent, sent.Status)
	assert.Equal(t, 1, h.notifier.Count())
}

func TestSendMessageValidationEchoesTempID(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(h.alice)
	h.join(alice, h.alice)

	send(t, alice, protocol.EventSendMessage, protocol.SendMessagePayload{
		ReceiverID: h.bob.String(), Content: "   ", TempID: "t-3",
	})
	p := expectError(t, alice, protocol.CodeValidation)
	assert.Equal(t, "t-3", p.TempID)

	send(t, alice, protocol.EventSendMessage, protocol.SendMessagePayload{
		ReceiverID: uuid.NewString(), Content: "hi", TempID: "t-4",
	})
	p = expectError(t, alice, protocol.CodeNotFound)
	assert.Equal(t, "t-4", p.TempID)
}

func TestTypingIsRelayed(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(h.alice)
	h.join(alice, h.alice)
	bob := h.dial(h.bob)
	h.join(bob, h.bob)

	send(t, alice, protocol.EventTyping, protocol.TypingPayload{To: h.bob.String()})
	var p protocol.TypingPayload
	expect(t, bob, protocol.EventTyping, &p)
	assert.Equal(t, h.alice.String(), p.From)

	send(t, alice, protocol.EventStopTyping, protocol.TypingPayload{To: h.bob.String()})
	expect(t, bob, protocol.EventStopTyping, nil)
}

func TestAcknowledgementsNotifySender(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Persisted while bob was offline.
	msg, err := h.messages.Create(ctx, model.Message{
		SenderID: h.alice, RecipientID: h.bob, Content: "offer: 120", Status: model.StatusSent,
	})
	require.NoError(t, err)

	alice := h.dial(h.alice)
	h.join(alice, h.alice)
	bob := h.dial(h.bob)
	h.join(bob, h.bob)

	send(t, bob, protocol.EventAckDelivered, protocol.AckDeliveredPayload{MessageID: msg.ID.String()})
	var delivered protocol.MessageDeliveredPayload
	expect(t, alice, protocol.EventMessageDelivered, &delivered)
	assert.Equal(t, msg.ID, delivered.ID)

	send(t, bob, protocol.EventAckRead, protocol.AckReadPayload{
		MessageIDs: []string{msg.ID.String()}, SenderID: h.alice.String(),
	})
	var read protocol.MessagesReadPayload
	expect(t, alice, protocol.EventMessagesRead, &read)
	assert.Equal(t, h.bob, read.By)
	assert.Equal(t, []uuid.UUID{msg.ID}, read.MessageIDs)

	stored, err := h.messages.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, stored.Status)

	// alice cannot acknowledge her own outgoing message.
	send(t, alice, protocol.EventAckDelivered, protocol.AckDeliveredPayload{MessageID: msg.ID.String()})
	expectError(t, alice, protocol.CodeUnauthorized)
}

func TestDisconnectReleasesSession(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(h.bob)
	sessionID := h.join(conn, h.bob)

	live, err := h.sessions.FindLive(context.Background(), h.bob)
	require.NoError(t, err)
	require.Len(t, live, 1)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		s, err := h.sessions.GetByID(context.Background(), sessionID)
		return err == nil && !s.Online && s.ConnectionHandle == nil
	}, 3*time.Second, 20*time.Millisecond)
	_, ok := h.gateway.emitter.Table().Get(sessionID)
	assert.False(t, ok)
}

func TestShutdownClosesConnections(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(h.alice)
	sessionID := h.join(conn, h.alice)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.gateway.Shutdown(ctx))

	s, err := h.sessions.GetByID(context.Background(), sessionID)
	require.NoError(t, err)
	assert.False(t, s.Online)
}
