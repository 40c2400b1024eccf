package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marketchat/server/internal/model"
)

var (
	_ SessionRepo   = (*MemorySessions)(nil)
	_ MessageRepo   = (*MemoryMessages)(nil)
	_ UserDirectory = (*MemoryUsers)(nil)
)

// MemorySessions is a SessionRepo kept in process memory. A single mutex
// makes every conditional update atomic.
type MemorySessions struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.Session
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[uuid.UUID]*model.Session)}
}

func copySession(s *model.Session) model.Session {
	out := *s
	if s.PushToken != nil {
		v := *s.PushToken
		out.PushToken = &v
	}
	if s.PushPlatform != nil {
		v := *s.PushPlatform
		out.PushPlatform = &v
	}
	if s.ConnectionHandle != nil {
		v := *s.ConnectionHandle
		out.ConnectionHandle = &v
	}
	return out
}

func normalizeToken(t *string) *string {
	if t == nil || *t == "" {
		return nil
	}
	v := *t
	return &v
}

func (m *MemorySessions) GetByID(_ context.Context, id uuid.UUID) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, fmt.Errorf("session %s: %w", id, model.ErrNotFound)
	}
	return copySession(s), nil
}

func (m *MemorySessions) Create(_ context.Context, userID uuid.UUID, info model.DeviceInfo) (model.Session, error) {
	now := time.Now().UTC()
	s := &model.Session{
		ID:           uuid.New(),
		UserID:       userID,
		Device:       info.Device,
		PushToken:    normalizeToken(info.PushToken),
		PushPlatform: info.PushPlatform,
		LastSeen:     now,
		IP:           info.IP,
		CreatedAt:    now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return copySession(s), nil
}

func (m *MemorySessions) UpdateDevice(_ context.Context, sessionID, userID uuid.UUID, info model.DeviceInfo) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID {
		return model.Session{}, fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
	}
	s.Device = info.Device
	s.PushToken = normalizeToken(info.PushToken)
	s.PushPlatform = info.PushPlatform
	s.LastSeen = time.Now().UTC()
	return copySession(s), nil
}

func (m *MemorySessions) Bind(_ context.Context, sessionID, userID uuid.UUID, handle string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID {
		return model.Session{}, model.ErrInvalidSession
	}
	h := handle
	s.Online = true
	s.ConnectionHandle = &h
	s.LastSeen = time.Now().UTC()
	return copySession(s), nil
}

func (m *MemorySessions) Unbind(_ context.Context, sessionID uuid.UUID, handle string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, nil
	}
	if handle != "" && (s.ConnectionHandle == nil || *s.ConnectionHandle != handle) {
		return false, nil
	}
	s.Online = false
	s.ConnectionHandle = nil
	s.LastSeen = time.Now().UTC()
	return true, nil
}

func (m *MemorySessions) FindLive(_ context.Context, userID uuid.UUID) ([]model.Session, error) {
	return m.filter(func(s *model.Session) bool {
		return s.UserID == userID && s.Live()
	}), nil
}

func (m *MemorySessions) FindPushable(_ context.Context, userID uuid.UUID) ([]model.Session, error) {
	return m.filter(func(s *model.Session) bool {
		return s.UserID == userID && s.Pushable()
	}), nil
}

func (m *MemorySessions) ResetLive(_ context.Context, handlePrefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if !s.Online && s.ConnectionHandle == nil {
			continue
		}
		if handlePrefix != "" && (s.ConnectionHandle == nil || !strings.HasPrefix(*s.ConnectionHandle, handlePrefix)) {
			continue
		}
		s.Online = false
		s.ConnectionHandle = nil
		n++
	}
	return n, nil
}

func (m *MemorySessions) filter(keep func(*model.Session) bool) []model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Session
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// MemoryMessages is a MessageRepo kept in process memory.
type MemoryMessages struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*model.Message
	order    []uuid.UUID
}

func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{messages: make(map[uuid.UUID]*model.Message)}
}

func copyMessage(m *model.Message) model.Message {
	out := *m
	if m.ListingID != nil {
		v := *m.ListingID
		out.ListingID = &v
	}
	if m.DeliveredAt != nil {
		v := *m.DeliveredAt
		out.DeliveredAt = &v
	}
	if m.ReadAt != nil {
		v := *m.ReadAt
		out.ReadAt = &v
	}
	return out
}

func (s *MemoryMessages) Create(_ context.Context, draft model.Message) (model.Message, error) {
	msg := &model.Message{
		ID:          uuid.New(),
		SenderID:    draft.SenderID,
		RecipientID: draft.RecipientID,
		ListingID:   normalizeToken(draft.ListingID),
		Content:     draft.Content,
		Status:      model.StatusSent,
		CreatedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
	s.order = append(s.order, msg.ID)
	return copyMessage(msg), nil
}

func (s *MemoryMessages) GetByID(_ context.Context, id uuid.UUID) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	return copyMessage(m), nil
}

func (s *MemoryMessages) MarkDelivered(_ context.Context, recipientID uuid.UUID, ids []uuid.UUID) ([]model.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var out []model.Transition
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		m, ok := s.messages[id]
		if !ok || m.RecipientID != recipientID || !m.Status.CanAdvanceTo(model.StatusDelivered) {
			continue
		}
		at := now
		m.Status = model.StatusDelivered
		m.DeliveredAt = &at
		out = append(out, model.Transition{
			MessageID: m.ID, SenderID: m.SenderID, RecipientID: m.RecipientID,
			Status: model.StatusDelivered, At: at,
		})
	}
	return out, nil
}

func (s *MemoryMessages) MarkRead(_ context.Context, senderID, recipientID uuid.UUID, ids []uuid.UUID) ([]model.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var wanted map[uuid.UUID]struct{}
	if ids != nil {
		wanted = make(map[uuid.UUID]struct{}, len(ids))
		for _, id := range ids {
			wanted[id] = struct{}{}
		}
	}
	now := time.Now().UTC()
	var out []model.Transition
	for _, id := range s.order {
		m := s.messages[id]
		if m.SenderID != senderID || m.RecipientID != recipientID || !m.Status.CanAdvanceTo(model.StatusRead) {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[id]; !ok {
				continue
			}
		}
		at := now
		m.Status = model.StatusRead
		m.ReadAt = &at
		out = append(out, model.Transition{
			MessageID: m.ID, SenderID: m.SenderID, RecipientID: m.RecipientID,
			Status: model.StatusRead, At: at,
		})
	}
	return out, nil
}

func (s *MemoryMessages) Conversation(_ context.Context, userA, userB uuid.UUID) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, 0)
	for _, id := range s.order {
		m := s.messages[id]
		if (m.SenderID == userA && m.RecipientID == userB) || (m.SenderID == userB && m.RecipientID == userA) {
			out = append(out, copyMessage(m))
		}
	}
	return out, nil
}

func (s *MemoryMessages) UnreadCounts(_ context.Context, userID uuid.UUID) (map[uuid.UUID]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[uuid.UUID]int)
	for _, m := range s.messages {
		if m.RecipientID == userID && m.Status != model.StatusRead {
			counts[m.SenderID]++
		}
	}
	return counts, nil
}

// MemoryUsers is a UserDirectory over a fixed set of ids. With AllowAll set
// every id is reported as existing.
type MemoryUsers struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]model.User
	AllowAll bool
}

func NewMemoryUsers(ids ...uuid.UUID) *MemoryUsers {
	d := &MemoryUsers{users: make(map[uuid.UUID]model.User)}
	for _, id := range ids {
		d.Add(id)
	}
	return d
}

func (d *MemoryUsers) Add(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id] = model.User{ID: id, CreatedAt: time.Now().UTC()}
}

func (d *MemoryUsers) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if u, ok := d.users[id]; ok {
		return u, nil
	}
	if d.AllowAll {
		return model.User{ID: id}, nil
	}
	return model.User{}, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
}

func (d *MemoryUsers) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	if _, err := d.GetByID(ctx, id); err != nil {
		return false, nil
	}
	return true, nil
}
