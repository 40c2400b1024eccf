package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/marketchat/server/internal/model"
	"github.com/marketchat/server/internal/repo"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyMessages struct {
	*repo.MemoryMessages
	mu       sync.Mutex
	failures int
}

func (f *flakyMessages) MarkDelivered(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID) ([]model.Transition, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.MemoryMessages.MarkDelivered(ctx, recipientID, ids)
}

func newMachine(store repo.MessageRepo) *Machine {
	m := NewMachine(store)
	m.backoff = func() retry.Backoff {
		return retry.WithMaxRetries(3, retry.NewConstant(1))
	}
	return m
}

func TestRoutedRetriesStorageErrors(t *testing.T) {
	ctx := context.Background()
	store := &flakyMessages{MemoryMessages: repo.NewMemoryMessages(), failures: 2}
	msg, _ := store.Create(ctx, model.Message{SenderID: uuid.New(), RecipientID: uuid.New(), Content: "hi"})

	at, err := newMachine(store).Routed(ctx, msg)
	require.NoError(t, err)
	assert.False(t, at.IsZero())

	got, _ := store.GetByID(ctx, msg.ID)
	assert.Equal(t, model.StatusDelivered, got.Status)
	assert.Equal(t, at, *got.DeliveredAt)
}

func TestRoutedGivesUp(t *testing.T) {
	ctx := context.Background()
	store := &flakyMessages{MemoryMessages: repo.NewMemoryMessages(), failures: 10}
	msg, _ := store.Create(ctx, model.Message{SenderID: uuid.New(), RecipientID: uuid.New(), Content: "hi"})

	_, err := newMachine(store).Routed(ctx, msg)
	assert.Error(t, err)
}

func TestRoutedAfterAckKeepsFirstStamp(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryMessages()
	m := newMachine(store)
	msg, _ := store.Create(ctx, model.Message{SenderID: uuid.New(), RecipientID: uuid.New(), Content: "hi"})

	tr, changed, err := m.AckDelivered(ctx, msg.RecipientID, msg.ID)
	require.NoError(t, err)
	require.True(t, changed)

	at, err := m.Routed(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, tr.At, at)
}

func TestAckDelivered(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryMessages()
	m := newMachine(store)
	sender, recipient := uuid.New(), uuid.New()
	msg, _ := store.Create(ctx, model.Message{SenderID: sender, RecipientID: recipient, Content: "hi"})

	t.Run("not found", func(t *testing.T) {
		_, _, err := m.AckDelivered(ctx, recipient, uuid.New())
		assert.True(t, errors.Is(err, model.ErrNotFound))
	})

	t.Run("other recipient", func(t *testing.T) {
		_, _, err := m.AckDelivered(ctx, sender, msg.ID)
		assert.True(t, errors.Is(err, model.ErrUnauthorized))
	})

	t.Run("first ack transitions", func(t *testing.T) {
		tr, changed, err := m.AckDelivered(ctx, recipient, msg.ID)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, sender, tr.SenderID)
	})

	t.Run("duplicate ack is a no-op", func(t *testing.T) {
		_, changed, err := m.AckDelivered(ctx, recipient, msg.ID)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("missing id", func(t *testing.T) {
		_, _, err := m.AckDelivered(ctx, recipient, uuid.Nil)
		assert.True(t, errors.Is(err, model.ErrValidation))
	})
}

func TestMarkReadValidation(t *testing.T) {
	ctx := context.Background()
	m := newMachine(repo.NewMemoryMessages())
	caller := uuid.New()

	_, err := m.MarkRead(ctx, caller, uuid.Nil, nil)
	assert.True(t, errors.Is(err, model.ErrValidation))

	_, err = m.MarkRead(ctx, caller, caller, nil)
	assert.True(t, errors.Is(err, model.ErrUnauthorized))

	_, err = m.MarkDelivered(ctx, caller, nil)
	assert.True(t, errors.Is(err, model.ErrValidation))
}
