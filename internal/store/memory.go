package store

import (
	"context"
	"sync"
	"time"

	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/model"
)

// Memory is an in-memory Store with the same semantics as Postgres,
// including the atomic Claim transition and the unique wa_message_id
// constraint. It backs tests and local development without a database.
type Memory struct {
	mu            sync.Mutex
	teams         map[int64]model.Team
	drivers       map[int64]model.Driver
	conversations map[int64]model.Conversation
	messages      map[int64]model.Message
	nextID        int64
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		teams:         make(map[int64]model.Team),
		drivers:       make(map[int64]model.Driver),
		conversations: make(map[int64]model.Conversation),
		messages:      make(map[int64]model.Message),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// AddTeam seeds a team, assigning an id when absent.
func (m *Memory) AddTeam(t model.Team) model.Team {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == 0 {
		t.ID = m.id()
	}
	m.teams[t.ID] = t
	return t
}

func (m *Memory) TeamByID(ctx context.Context, id int64) (*model.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.teams[id]
	if !ok || !t.Active {
		return nil, ErrNotFound
	}
	out := t
	return &out, nil
}

func (m *Memory) TeamByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.teams {
		if t.PhoneNumberID == phoneNumberID && t.Active {
			out := t
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ActiveTeams(ctx context.Context) ([]model.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Team
	for _, t := range m.teams {
		if t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) DriverByID(ctx context.Context, id int64) (*model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := d
	return &out, nil
}

func (m *Memory) DriverByPhone(ctx context.Context, teamID int64, phone string) (*model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.drivers {
		if d.TeamID == teamID && d.Phone == phone {
			out := d
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) EnsureDriver(ctx context.Context, teamID int64, phone, name string) (*model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.drivers {
		if d.TeamID == teamID && d.Phone == phone {
			if name != "" && d.Name != name {
				d.Name = name
				m.drivers[id] = d
			}
			out := d
			return &out, nil
		}
	}
	d := model.Driver{
		ID:        m.id(),
		TeamID:    teamID,
		Phone:     phone,
		Name:      name,
		Active:    true,
		CreatedAt: time.Now(),
	}
	m.drivers[d.ID] = d
	out := d
	return &out, nil
}

func (m *Memory) ConversationByID(ctx context.Context, id int64) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := c
	return &out, nil
}

func (m *Memory) EnsureDriverConversation(ctx context.Context, teamID, driverID int64) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conversations {
		if c.TeamID == teamID && c.DriverID != nil && *c.DriverID == driverID {
			out := c
			return &out, nil
		}
	}
	did := driverID
	c := model.Conversation{
		ID:            m.id(),
		TeamID:        teamID,
		DriverID:      &did,
		LastMessageAt: time.Now(),
		Active:        true,
	}
	m.conversations[c.ID] = c
	out := c
	return &out, nil
}

func (m *Memory) EnsureGroupConversation(ctx context.Context, teamID int64, groupJID string) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conversations {
		if c.TeamID == teamID && c.GroupJID != nil && *c.GroupJID == groupJID {
			out := c
			return &out, nil
		}
	}
	jid := groupJID
	c := model.Conversation{
		ID:            m.id(),
		TeamID:        teamID,
		GroupJID:      &jid,
		LastMessageAt: time.Now(),
		Active:        true,
	}
	m.conversations[c.ID] = c
	out := c
	return &out, nil
}

// SetConversation overwrites a conversation, for test setup.
func (m *Memory) SetConversation(c model.Conversation) model.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.id()
	}
	m.conversations[c.ID] = c
	return c
}

func (m *Memory) RecordInbound(ctx context.Context, conversationID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if c.LastInboundAt == nil || at.After(*c.LastInboundAt) {
		t := at
		c.LastInboundAt = &t
	}
	if at.After(c.LastMessageAt) {
		c.LastMessageAt = at
	}
	m.conversations[conversationID] = c
	return nil
}

func (m *Memory) TouchLastMessage(ctx context.Context, conversationID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if at.After(c.LastMessageAt) {
		c.LastMessageAt = at
	}
	m.conversations[conversationID] = c
	return nil
}

func (m *Memory) CreateMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.WaMessageID != nil {
		for _, existing := range m.messages {
			if existing.WaMessageID != nil && *existing.WaMessageID == *msg.WaMessageID {
				return ErrDuplicateMessage
			}
		}
	}
	msg.ID = m.id()
	now := time.Now()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	m.messages[msg.ID] = *msg
	return nil
}

func (m *Memory) MessageByID(ctx context.Context, id int64) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := msg
	return &out, nil
}

func (m *Memory) MessageByWaID(ctx context.Context, waMessageID string) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.WaMessageID != nil && *msg.WaMessageID == waMessageID {
			out := msg
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Claim(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.Status != model.StatusQueued {
		return false, nil
	}
	msg.Status = model.StatusSending
	msg.UpdatedAt = time.Now()
	m.messages[id] = msg
	return true, nil
}

func (m *Memory) MarkSent(ctx context.Context, id int64, waMessageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Status = model.StatusSent
	wid := waMessageID
	msg.WaMessageID = &wid
	t := at
	msg.SentAt = &t
	msg.LastError = nil
	msg.UpdatedAt = time.Now()
	m.messages[id] = msg
	return nil
}

func (m *Memory) ScheduleRetry(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Status = model.StatusQueued
	msg.RetryCount = retryCount
	t := nextRetryAt
	msg.NextRetryAt = &t
	r := reason
	msg.LastError = &r
	msg.UpdatedAt = time.Now()
	m.messages[id] = msg
	return nil
}

func (m *Memory) MarkFailed(ctx context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Status = model.StatusFailed
	msg.RetryCount++
	msg.NextRetryAt = nil
	r := reason
	msg.LastError = &r
	msg.UpdatedAt = time.Now()
	m.messages[id] = msg
	return nil
}

func (m *Memory) UpdateStatusByWaID(ctx context.Context, waMessageID string, status model.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, msg := range m.messages {
		if msg.WaMessageID != nil && *msg.WaMessageID == waMessageID {
			// Stale or out-of-order events never regress the lifecycle.
			if statusRank(msg.Status) >= statusRank(status) {
				return nil
			}
			msg.Status = status
			msg.UpdatedAt = at
			m.messages[id] = msg
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) DueRetries(ctx context.Context, now time.Time, maxRetries, limit int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Message
	for _, msg := range m.messages {
		if len(out) >= limit {
			break
		}
		if msg.Status != model.StatusQueued || msg.RetryCount > maxRetries {
			continue
		}
		// A nil NextRetryAt is a message that never got an attempt; it is
		// always due so a restart cannot strand it.
		if msg.NextRetryAt != nil && msg.NextRetryAt.After(now) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *Memory) ReleaseStale(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for id, msg := range m.messages {
		if msg.Status != model.StatusSending || !msg.UpdatedAt.Before(before) {
			continue
		}
		msg.Status = model.StatusQueued
		msg.UpdatedAt = time.Now()
		m.messages[id] = msg
		released++
	}
	return released, nil
}
