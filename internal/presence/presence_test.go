package presence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/marketchat/server/internal/model"
	"github.com/marketchat/server/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	handle string
	mu     sync.Mutex
	got    []protocol.Envelope
	err    error
}

func (c *fakeConn) Handle() string { return c.handle }

func (c *fakeConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.got = append(c.got, env)
	return nil
}

type fakeRelay struct {
	mu        sync.Mutex
	published map[string][]Delivery
	err       error
}

func (r *fakeRelay) Publish(_ context.Context, node string, d Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.published == nil {
		r.published = make(map[string][]Delivery)
	}
	r.published[node] = append(r.published[node], d)
	return nil
}

func (r *fakeRelay) Subscribe(context.Context, string, func(context.Context, Delivery)) error {
	return nil
}

func (r *fakeRelay) Close() error { return nil }

func session(handle string) model.Session {
	return model.Session{ID: uuid.New(), Online: true, ConnectionHandle: &handle}
}

func TestTableRemoveOnlyMatchingConn(t *testing.T) {
	table := NewTable()
	id := uuid.New()
	first := &fakeConn{handle: "n:1"}
	second := &fakeConn{handle: "n:2"}

	table.Set(id, first)
	table.Set(id, second)

	assert.False(t, table.Remove(id, first))
	got, ok := table.Get(id)
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.True(t, table.Remove(id, second))
	assert.Zero(t, table.Len())
}

func TestTableSwapAndRestore(t *testing.T) {
	table := NewTable()
	id := uuid.New()
	owner, other := &fakeConn{handle: "n1:owner"}, &fakeConn{handle: "n1:other"}

	_, had := table.Swap(id, owner)
	assert.False(t, had)
	prev, had := table.Swap(id, other)
	require.True(t, had)
	assert.Same(t, owner, prev)

	assert.True(t, table.Restore(id, other, prev, had))
	conn, ok := table.Get(id)
	require.True(t, ok)
	assert.Same(t, owner, conn)

	// Restore is a no-op once the entry moved on.
	assert.False(t, table.Restore(id, other, nil, false))
	conn, _ = table.Get(id)
	assert.Same(t, owner, conn)

	assert.True(t, table.Restore(id, owner, nil, false))
	assert.Zero(t, table.Len())
}

func TestEmitLocal(t *testing.T) {
	e := NewEmitter("n1", NewTable(), nil)
	handle := e.NewHandle()
	s := session(handle)
	conn := &fakeConn{handle: handle}
	e.Table().Set(s.ID, conn)

	env := protocol.MustEnvelope(protocol.EventPong, nil)
	require.NoError(t, e.Emit(context.Background(), s, env))
	assert.Len(t, conn.got, 1)
}

func TestEmitStaleHandleFails(t *testing.T) {
	e := NewEmitter("n1", NewTable(), nil)
	s := session("n1:old")
	e.Table().Set(s.ID, &fakeConn{handle: "n1:new"})

	err := e.Emit(context.Background(), s, protocol.MustEnvelope(protocol.EventPong, nil))
	assert.True(t, errors.Is(err, model.ErrTransportFailure))
}

func TestEmitSendErrorIsTransportFailure(t *testing.T) {
	e := NewEmitter("n1", NewTable(), nil)
	s := session("n1:c")
	e.Table().Set(s.ID, &fakeConn{handle: "n1:c", err: errors.New("buffer full")})

	err := e.Emit(context.Background(), s, protocol.MustEnvelope(protocol.EventPong, nil))
	assert.True(t, errors.Is(err, model.ErrTransportFailure))
}

func TestEmitRemoteUsesRelay(t *testing.T) {
	relay := &fakeRelay{}
	e := NewEmitter("n1", NewTable(), relay)
	s := session("n2:abc")

	require.NoError(t, e.Emit(context.Background(), s, protocol.MustEnvelope(protocol.EventPong, nil)))
	require.Len(t, relay.published["n2"], 1)
	assert.Equal(t, s.ID, relay.published["n2"][0].SessionID)

	relay.err = errors.New("redis down")
	err := e.Emit(context.Background(), s, protocol.MustEnvelope(protocol.EventPong, nil))
	assert.True(t, errors.Is(err, model.ErrTransportFailure))
}

func TestEmitRemoteWithoutRelayFails(t *testing.T) {
	e := NewEmitter("n1", NewTable(), nil)
	err := e.Emit(context.Background(), session("n2:abc"), protocol.MustEnvelope(protocol.EventPong, nil))
	assert.True(t, errors.Is(err, model.ErrTransportFailure))

	err = e.Emit(context.Background(), model.Session{ID: uuid.New()}, protocol.MustEnvelope(protocol.EventPong, nil))
	assert.True(t, errors.Is(err, model.ErrTransportFailure))
}

func TestHandleRelayedDeliversLocally(t *testing.T) {
	e := NewEmitter("n1", NewTable(), nil)
	id := uuid.New()
	conn := &fakeConn{handle: "n1:c"}
	e.Table().Set(id, conn)

	e.HandleRelayed(context.Background(), Delivery{SessionID: id, Handle: "n1:c", Envelope: protocol.MustEnvelope(protocol.EventPong, nil)})
	e.HandleRelayed(context.Background(), Delivery{SessionID: id, Handle: "n1:gone", Envelope: protocol.MustEnvelope(protocol.EventPong, nil)})
	assert.Len(t, conn.got, 1)
}

func TestNodeOf(t *testing.T) {
	assert.Equal(t, "n1", NodeOf("n1:abc"))
	assert.Equal(t, "", NodeOf("abc"))
	assert.Equal(t, "10.0.0.1:8080", NodeOf("10.0.0.1:8080:"+uuid.NewString()))
}

func TestEmitLocalWithColonInNodeID(t *testing.T) {
	e := NewEmitter("api:1", NewTable(), nil)
	handle := e.NewHandle()
	s := session(handle)
	conn := &fakeConn{handle: handle}
	e.Table().Set(s.ID, conn)

	require.NoError(t, e.Emit(context.Background(), s, protocol.MustEnvelope(protocol.EventPong, nil)))
	assert.Len(t, conn.got, 1)
}
