package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/marketchat/server/internal/model"
)

// MessageRepo is the durable message log. Status changes go through
// conditional updates whose predicate is model.AdvanceSources, so a
// repeated or concurrent transition changes nothing.
type MessageRepo interface {
	// Create stores draft with status SENT. ID and CreatedAt are assigned.
	Create(ctx context.Context, draft model.Message) (model.Message, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.Message, error)
	// MarkDelivered moves the given messages addressed to recipientID from
	// SENT to DELIVERED and returns the rows that changed.
	MarkDelivered(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID) ([]model.Transition, error)
	// MarkRead moves messages from senderID to recipientID that are not yet
	// READ to READ. A nil ids slice selects every such message of the pair.
	MarkRead(ctx context.Context, senderID, recipientID uuid.UUID, ids []uuid.UUID) ([]model.Transition, error)
	Conversation(ctx context.Context, userA, userB uuid.UUID) ([]model.Message, error)
	UnreadCounts(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int, error)
}

type messageRepo struct {
	db *sql.DB
}

// NewMessageRepo creates a Postgres backed MessageRepo.
func NewMessageRepo(db *sql.DB) MessageRepo {
	return &messageRepo{db: db}
}

const messageColumns = `id, sender_id, recipient_id, listing_id, content, status, created_at, delivered_at, read_at`

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		m         model.Message
		listing   sql.NullString
		status    string
		delivered sql.NullTime
		read      sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &listing, &m.Content, &status, &m.CreatedAt, &delivered, &read); err != nil {
		return model.Message{}, err
	}
	m.Status = model.MessageStatus(status)
	if listing.Valid {
		m.ListingID = &listing.String
	}
	if delivered.Valid {
		m.DeliveredAt = &delivered.Time
	}
	if read.Valid {
		m.ReadAt = &read.Time
	}
	return m, nil
}

func idArray(ids []uuid.UUID) pq.StringArray {
	if ids == nil {
		return nil
	}
	out := make(pq.StringArray, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func statusArray(statuses []model.MessageStatus) pq.StringArray {
	out := make(pq.StringArray, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (r *messageRepo) Create(ctx context.Context, draft model.Message) (model.Message, error) {
	query := `
		INSERT INTO messages (id, sender_id, recipient_id, listing_id, content, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + messageColumns

	m, err := scanMessage(r.db.QueryRowContext(ctx, query,
		uuid.New(), draft.SenderID, draft.RecipientID, stringValue(draft.ListingID), draft.Content, string(model.StatusSent),
	))
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to create message: %w", err)
	}
	return m, nil
}

func (r *messageRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	m, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
		}
		return model.Message{}, fmt.Errorf("failed to query message: %w", err)
	}
	return m, nil
}

func (r *messageRepo) MarkDelivered(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID) ([]model.Transition, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		UPDATE messages
		SET status = $3, delivered_at = now()
		WHERE id = ANY($1::uuid[]) AND recipient_id = $2 AND status = ANY($4::text[])
		RETURNING id, sender_id, recipient_id, delivered_at`

	return r.transition(ctx, model.StatusDelivered, query,
		idArray(ids), recipientID, string(model.StatusDelivered), statusArray(model.AdvanceSources(model.StatusDelivered)),
	)
}

func (r *messageRepo) MarkRead(ctx context.Context, senderID, recipientID uuid.UUID, ids []uuid.UUID) ([]model.Transition, error) {
	if ids != nil && len(ids) == 0 {
		return nil, nil
	}
	query := `
		UPDATE messages
		SET status = $3, read_at = now()
		WHERE sender_id = $1 AND recipient_id = $2 AND status = ANY($4::text[])
		  AND ($5::uuid[] IS NULL OR id = ANY($5::uuid[]))
		RETURNING id, sender_id, recipient_id, read_at`

	return r.transition(ctx, model.StatusRead, query,
		senderID, recipientID, string(model.StatusRead), statusArray(model.AdvanceSources(model.StatusRead)), idArray(ids),
	)
}

func (r *messageRepo) transition(ctx context.Context, to model.MessageStatus, query string, args ...any) ([]model.Transition, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to mark messages %s: %w", to, err)
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		t := model.Transition{Status: to}
		var at time.Time
		if err := rows.Scan(&t.MessageID, &t.SenderID, &t.RecipientID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.At = at
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transitions: %w", err)
	}
	return out, nil
}

func (r *messageRepo) Conversation(ctx context.Context, userA, userB uuid.UUID) ([]model.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE (sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	defer rows.Close()

	out := make([]model.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation: %w", err)
	}
	return out, nil
}

func (r *messageRepo) UnreadCounts(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int, error) {
	query := `
		SELECT sender_id, COUNT(*)
		FROM messages
		WHERE recipient_id = $1 AND status <> $2
		GROUP BY sender_id`

	rows, err := r.db.QueryContext(ctx, query, userID, string(model.StatusRead))
	if err != nil {
		return nil, fmt.Errorf("failed to query unread counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var (
			sender uuid.UUID
			n      int
		)
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, fmt.Errorf("failed to scan unread count: %w", err)
		}
		counts[sender] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unread counts: %w", err)
	}
	return counts, nil
}
