package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patientbuddy/chat-platform/internal/model"
)

// Memory is an in-process Store with the same semantics as Postgres.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	messageIDs    map[string]struct{}
	users         map[string]*model.User
	now           func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*model.Conversation),
		messageIDs:    make(map[string]struct{}),
		users:         make(map[string]*model.User),
		now:           time.Now,
	}
}

// Ping always succeeds.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// FindByOwnerAndThread returns a copy of the conversation owned by userID.
func (m *Memory) FindByOwnerAndThread(ctx context.Context, userID, threadID string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[threadID]
	if !ok || !conv.IsOwnedBy(userID) {
		return nil, model.ErrNotFound
	}
	return cloneConversation(conv), nil
}

// ListByOwner lists the owner's conversations, newest first.
func (m *Memory) ListByOwner(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []*model.Conversation
	for _, c := range m.conversations {
		if c.UserID == userID {
			convs = append(convs, c)
		}
	}
	sortNewestFirst(convs)

	out := make([]model.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.Summarize())
	}
	return out, nil
}

// ListAll lists every conversation with its owner, newest first.
func (m *Memory) ListAll(ctx context.Context) ([]model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	convs := make([]*model.Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		convs = append(convs, c)
	}
	sortNewestFirst(convs)

	out := make([]model.Conversation, 0, len(convs))
	for _, c := range convs {
		cp := cloneConversation(c)
		if u, ok := m.users[c.UserID]; ok {
			cp.Owner = u.Summary()
		}
		out = append(out, *cp)
	}
	return out, nil
}

// CreateEmpty creates a conversation with no messages.
func (m *Memory) CreateEmpty(ctx context.Context, userID, threadID string) (*model.Conversation, error) {
	if userID == "" || threadID == "" {
		return nil, model.ErrInvalidArgument
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[threadID]; exists {
		return nil, fmt.Errorf("thread %s: %w", threadID, model.ErrConflict)
	}

	now := m.now().UTC()
	conv := &model.Conversation{
		ThreadID:  threadID,
		UserID:    userID,
		Messages:  []model.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[threadID] = conv
	return cloneConversation(conv), nil
}

// AppendMessages appends the batch under the store lock.
func (m *Memory) AppendMessages(ctx context.Context, conv *model.Conversation, messages []model.Message) (*model.Conversation, error) {
	if conv == nil {
		return nil, model.ErrInvalidArgument
	}
	for _, msg := range messages {
		if msg.ID == "" || !msg.Role.Valid() {
			return nil, fmt.Errorf("append message: %w", model.ErrInvalidArgument)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.conversations[conv.ThreadID]
	if !ok || stored.UserID != conv.UserID {
		return nil, model.ErrNotFound
	}

	appended := false
	for _, msg := range messages {
		if _, dup := m.messageIDs[msg.ID]; dup {
			continue
		}
		m.messageIDs[msg.ID] = struct{}{}
		stored.Messages = append(stored.Messages, msg)
		appended = true
	}
	if appended {
		stored.UpdatedAt = m.now().UTC()
	}
	return cloneConversation(stored), nil
}

// CreateUser inserts a user.
func (m *Memory) CreateUser(ctx context.Context, u *model.User) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return nil, fmt.Errorf("email %s: %w", u.Email, model.ErrConflict)
		}
		if existing.Username == u.Username {
			return nil, fmt.Errorf("username %s: %w", u.Username, model.ErrConflict)
		}
	}
	if _, exists := m.users[u.ID]; exists {
		return nil, fmt.Errorf("user %s: %w", u.ID, model.ErrConflict)
	}

	cp := *u
	now := m.now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.users[cp.ID] = &cp

	out := cp
	return &out, nil
}

// GetUserByEmail finds a user by case-insensitive email.
func (m *Memory) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

// GetUserByID finds a user by id.
func (m *Memory) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// ListUsers lists users, newest first.
func (m *Memory) ListUsers(ctx context.Context) ([]model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SetUserRole updates a user's role.
func (m *Memory) SetUserRole(ctx context.Context, id string, role model.UserRole) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	u.Role = role
	u.UpdatedAt = m.now().UTC()
	cp := *u
	return &cp, nil
}

func sortNewestFirst(convs []*model.Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].ThreadID > convs[j].ThreadID
		}
		return convs[i].CreatedAt.After(convs[j].CreatedAt)
	})
}

func cloneConversation(c *model.Conversation) *model.Conversation {
	cp := *c
	cp.Messages = append([]model.Message(nil), c.Messages...)
	if cp.Messages == nil {
		cp.Messages = []model.Message{}
	}
	if c.Owner != nil {
		owner := *c.Owner
		cp.Owner = &owner
	}
	return &cp
}

var _ Store = (*Memory)(nil)
