package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/marketchat/server/internal/model"
)

// SessionRepo is the persisted session directory. Every mutation of the
// live fields is a single conditional update.
type SessionRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.Session, error)
	Create(ctx context.Context, userID uuid.UUID, info model.DeviceInfo) (model.Session, error)
	// UpdateDevice updates a session owned by userID. It returns
	// model.ErrNotFound when no such session exists for that user.
	UpdateDevice(ctx context.Context, sessionID, userID uuid.UUID, info model.DeviceInfo) (model.Session, error)
	// Bind marks the session online under handle. It returns
	// model.ErrInvalidSession when the session is missing or owned by
	// another user.
	Bind(ctx context.Context, sessionID, userID uuid.UUID, handle string) (model.Session, error)
	// Unbind clears the live fields. With a non-empty handle the update only
	// applies while the session is still bound to that handle. It reports
	// whether a row changed and is safe to repeat.
	Unbind(ctx context.Context, sessionID uuid.UUID, handle string) (bool, error)
	FindLive(ctx context.Context, userID uuid.UUID) ([]model.Session, error)
	FindPushable(ctx context.Context, userID uuid.UUID) ([]model.Session, error)
	// ResetLive clears the live fields of every session whose handle starts
	// with handlePrefix, or of all sessions when the prefix is empty.
	ResetLive(ctx context.Context, handlePrefix string) (int64, error)
}

type sessionRepo struct {
	db *sql.DB
}

// NewSessionRepo creates a Postgres backed SessionRepo.
func NewSessionRepo(db *sql.DB) SessionRepo {
	return &sessionRepo{db: db}
}

const sessionColumns = `id, user_id, device, push_token, push_platform, connection_handle, online, last_seen, ip, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.Session, error) {
	var (
		s        model.Session
		token    sql.NullString
		platform sql.NullString
		handle   sql.NullString
	)
	err := row.Scan(&s.ID, &s.UserID, &s.Device, &token, &platform, &handle, &s.Online, &s.LastSeen, &s.IP, &s.CreatedAt)
	if err != nil {
		return model.Session{}, err
	}
	if token.Valid {
		s.PushToken = &token.String
	}
	if platform.Valid {
		p := model.PushPlatform(platform.String)
		s.PushPlatform = &p
	}
	if handle.Valid {
		s.ConnectionHandle = &handle.String
	}
	return s, nil
}

func platformValue(p *model.PushPlatform) any {
	if p == nil {
		return nil
	}
	return string(*p)
}

func stringValue(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func (r *sessionRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, fmt.Errorf("session %s: %w", id, model.ErrNotFound)
		}
		return model.Session{}, fmt.Errorf("failed to query session: %w", err)
	}
	return s, nil
}

func (r *sessionRepo) Create(ctx context.Context, userID uuid.UUID, info model.DeviceInfo) (model.Session, error) {
	query := `
		INSERT INTO sessions (id, user_id, device, push_token, push_platform, ip)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + sessionColumns

	s, err := scanSession(r.db.QueryRowContext(ctx, query,
		uuid.New(), userID, info.Device, stringValue(info.PushToken), platformValue(info.PushPlatform), info.IP,
	))
	if err != nil {
		return model.Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	return s, nil
}

func (r *sessionRepo) UpdateDevice(ctx context.Context, sessionID, userID uuid.UUID, info model.DeviceInfo) (model.Session, error) {
	query := `
		UPDATE sessions
		SET device = $3, push_token = $4, push_platform = $5, last_seen = now()
		WHERE id = $1 AND user_id = $2
		RETURNING ` + sessionColumns

	s, err := scanSession(r.db.QueryRowContext(ctx, query,
		sessionID, userID, info.Device, stringValue(info.PushToken), platformValue(info.PushPlatform),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
		}
		return model.Session{}, fmt.Errorf("failed to update session: %w", err)
	}
	return s, nil
}

func (r *sessionRepo) Bind(ctx context.Context, sessionID, userID uuid.UUID, handle string) (model.Session, error) {
	query := `
		UPDATE sessions
		SET online = true, connection_handle = $3, last_seen = now()
		WHERE id = $1 AND user_id = $2
		RETURNING ` + sessionColumns

	s, err := scanSession(r.db.QueryRowContext(ctx, query, sessionID, userID, handle))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, model.ErrInvalidSession
		}
		return model.Session{}, fmt.Errorf("failed to bind session: %w", err)
	}
	return s, nil
}

func (r *sessionRepo) Unbind(ctx context.Context, sessionID uuid.UUID, handle string) (bool, error) {
	query := `
		UPDATE sessions
		SET online = false, connection_handle = NULL, last_seen = now()
		WHERE id = $1 AND ($2::text = '' OR connection_handle = $2::text)`

	res, err := r.db.ExecContext(ctx, query, sessionID, handle)
	if err != nil {
		return false, fmt.Errorf("failed to unbind session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to unbind session: %w", err)
	}
	return n > 0, nil
}

func (r *sessionRepo) FindLive(ctx context.Context, userID uuid.UUID) ([]model.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1 AND online AND connection_handle IS NOT NULL
		ORDER BY last_seen DESC`
	return r.list(ctx, query, userID)
}

func (r *sessionRepo) FindPushable(ctx context.Context, userID uuid.UUID) ([]model.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1 AND push_token IS NOT NULL AND push_token <> ''
		ORDER BY last_seen DESC`
	return r.list(ctx, query, userID)
}

func (r *sessionRepo) ResetLive(ctx context.Context, handlePrefix string) (int64, error) {
	query := `
		UPDATE sessions
		SET online = false, connection_handle = NULL
		WHERE (online OR connection_handle IS NOT NULL)
		  AND ($1::text = '' OR left(connection_handle, length($1::text)) = $1::text)`

	res, err := r.db.ExecContext(ctx, query, handlePrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to reset live sessions: %w", err)
	}
	return res.RowsAffected()
}

func (r *sessionRepo) list(ctx context.Context, query string, args ...any) ([]model.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}
