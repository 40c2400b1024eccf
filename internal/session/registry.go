// Package session binds live connections to persisted sessions and keeps
// the node's connection table in step with the session store.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/marketchat/server/internal/model"
	"github.com/marketchat/server/internal/presence"
	"github.com/marketchat/server/internal/repo"
)

// Registration is a device registration request. A nil SessionID always
// creates a new session.
type Registration struct {
	SessionID    *uuid.UUID
	Device       string
	PushToken    *string
	PushPlatform *model.PushPlatform
	IP           string
}

func (r Registration) deviceInfo() model.DeviceInfo {
	return model.DeviceInfo{
		Device:       r.Device,
		PushToken:    r.PushToken,
		PushPlatform: r.PushPlatform,
		IP:           r.IP,
	}
}

type Registry struct {
	sessions repo.SessionRepo
	table    *presence.Table
	node     string
}

func NewRegistry(sessions repo.SessionRepo, emitter *presence.Emitter) *Registry {
	return &Registry{sessions: sessions, table: emitter.Table(), node: emitter.Node()}
}

// Register updates the caller's session named by reg.SessionID, or creates
// a new one when no id is given or it matches no session of the caller.
// The second result reports whether a session was created.
func (r *Registry) Register(ctx context.Context, userID uuid.UUID, reg Registration) (model.Session, bool, error) {
	if reg.SessionID != nil {
		s, err := r.sessions.UpdateDevice(ctx, *reg.SessionID, userID, reg.deviceInfo())
		if err == nil {
			return s, false, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return model.Session{}, false, err
		}
	}
	s, err := r.sessions.Create(ctx, userID, reg.deviceInfo())
	if err != nil {
		return model.Session{}, false, err
	}
	return s, true, nil
}

// Bind attaches conn to a session owned by userID. The connection is put in
// the table before the store is updated so that routing never observes a
// live session without a local connection. A failed bind leaves the table
// as it was, including a connection already bound to the session.
func (r *Registry) Bind(ctx context.Context, sessionID, userID uuid.UUID, conn presence.Conn) (model.Session, error) {
	current, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Session{}, fmt.Errorf("%w: session %s", model.ErrInvalidSession, sessionID)
		}
		return model.Session{}, err
	}
	if current.UserID != userID {
		return model.Session{}, fmt.Errorf("%w: session %s", model.ErrInvalidSession, sessionID)
	}

	prev, hadPrev := r.table.Swap(sessionID, conn)
	s, err := r.sessions.Bind(ctx, sessionID, userID, conn.Handle())
	if err != nil {
		r.table.Restore(sessionID, conn, prev, hadPrev)
		return model.Session{}, err
	}
	return s, nil
}

// BindNew registers a session for a client that joined without one and
// binds conn to it.
func (r *Registry) BindNew(ctx context.Context, userID uuid.UUID, device, ip string, conn presence.Conn) (model.Session, error) {
	s, _, err := r.Register(ctx, userID, Registration{Device: device, IP: ip})
	if err != nil {
		return model.Session{}, fmt.Errorf("register session on join: %w", err)
	}
	return r.Bind(ctx, s.ID, userID, conn)
}

// Unbind releases the session bound to conn. A newer connection bound to
// the same session is left untouched. Safe to call more than once.
func (r *Registry) Unbind(ctx context.Context, sessionID uuid.UUID, conn presence.Conn) error {
	r.table.Remove(sessionID, conn)
	if _, err := r.sessions.Unbind(ctx, sessionID, conn.Handle()); err != nil {
		return err
	}
	return nil
}

// Reset clears live state left over from a previous process. In a single
// node deployment every session is reset; with a relay only handles of this
// node are.
func (r *Registry) Reset(ctx context.Context, multiNode bool) (int64, error) {
	prefix := ""
	if multiNode {
		prefix = r.node + ":"
	}
	return r.sessions.ResetLive(ctx, prefix)
}
