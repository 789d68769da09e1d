// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows service tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing. Semantics
// mirror SQLiteStore: copies in and out, ErrNotFound for misses, idempotent
// membership adds, private-pair uniqueness.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	privateIndex  map[string]string              // pair key -> conversation ID
	messages      map[string][]*Message          // keyed by conversation ID, insertion order
	settings      map[string]*MembershipSettings // keyed by conversationID+"|"+userID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		privateIndex:  make(map[string]string),
		messages:      make(map[string][]*Message),
		settings:      make(map[string]*MembershipSettings),
	}
}

func settingsKey(conversationID, userID string) string {
	return conversationID + "|" + userID
}

func copyConversation(c *Conversation) *Conversation {
	out := *c
	out.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	out.AdminIDs = append([]string(nil), c.AdminIDs...)
	return &out
}

func copyMessage(m *Message) *Message {
	out := *m
	out.Media = append([]MediaItem(nil), m.Media...)
	out.ReadBy = append([]string(nil), m.ReadBy...)
	out.DeletedFor = append([]string(nil), m.DeletedFor...)
	return &out
}

// CreateConversation stores a conversation with settings rows for each
// participant. Returns ErrDuplicateConversation on a private pair collision.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pairKey string
	if conv.Type == ConversationPrivate {
		pairKey = privatePairKey(conv.ParticipantIDs)
		if pairKey != "" {
			if _, exists := m.privateIndex[pairKey]; exists {
				return ErrDuplicateConversation
			}
		}
	}

	m.conversations[conv.ID] = copyConversation(conv)
	if pairKey != "" {
		m.privateIndex[pairKey] = conv.ID
	}

	now := time.Now().UTC()
	for _, userID := range conv.ParticipantIDs {
		m.settings[settingsKey(conv.ID, userID)] = &MembershipSettings{
			ConversationID: conv.ID,
			UserID:         userID,
			UpdatedAt:      now,
		}
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// FindPrivateConversation looks up the private conversation for a user pair.
func (m *MockStore) FindPrivateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := privatePairKey([]string{userA, userB})
	if key == "" {
		return nil, ErrNotFound
	}
	id, ok := m.privateIndex[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(m.conversations[id]), nil
}

// ListUserConversations returns a page of the user's conversations ordered
// pinned-first, then by most recent activity.
func (m *MockStore) ListUserConversations(ctx context.Context, userID string, page, limit int) ([]*Conversation, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	var all []*Conversation
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			all = append(all, c)
		}
	}

	activity := func(c *Conversation) time.Time {
		if !c.LastMessageAt.IsZero() {
			return c.LastMessageAt
		}
		return c.CreatedAt
	}
	pinned := func(c *Conversation) bool {
		s, ok := m.settings[settingsKey(c.ID, userID)]
		return ok && s.IsPinned
	}
	sort.Slice(all, func(i, j int) bool {
		pi, pj := pinned(all[i]), pinned(all[j])
		if pi != pj {
			return pi
		}
		ti, tj := activity(all[i]), activity(all[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return all[i].ID < all[j].ID
	})

	total := len(all)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	out := make([]*Conversation, 0, end-start)
	for _, c := range all[start:end] {
		out = append(out, copyConversation(c))
	}
	return out, total, nil
}

// AddParticipants unions users into the participant set, skipping existing
// members.
func (m *MockStore) AddParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}

	now := time.Now().UTC()
	for _, userID := range userIDs {
		if c.HasParticipant(userID) {
			continue
		}
		c.ParticipantIDs = append(c.ParticipantIDs, userID)
		m.settings[settingsKey(conversationID, userID)] = &MembershipSettings{
			ConversationID: conversationID,
			UserID:         userID,
			UpdatedAt:      now,
		}
	}
	c.UpdatedAt = now
	return nil
}

// RemoveParticipant removes a user and their settings row.
func (m *MockStore) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok || !c.HasParticipant(userID) {
		return ErrNotFound
	}

	c.ParticipantIDs = removeString(c.ParticipantIDs, userID)
	c.AdminIDs = removeString(c.AdminIDs, userID)
	c.UpdatedAt = time.Now().UTC()
	delete(m.settings, settingsKey(conversationID, userID))
	return nil
}

// SetLastMessage updates the denormalized last-message pointer.
func (m *MockStore) SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.LastMessageID = messageID
	c.LastMessageAt = at
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// IsParticipant reports whether the user belongs to the conversation.
func (m *MockStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return false, nil
	}
	return c.HasParticipant(userID), nil
}

// ListUserConversationIDs returns ids of conversations the user belongs to.
func (m *MockStore) ListUserConversationIDs(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, c := range m.conversations {
		if c.HasParticipant(userID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveMessage appends a message to the conversation's history.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], copyMessage(msg))
	return nil
}

// GetMessage retrieves a message by id within a conversation.
func (m *MockStore) GetMessage(ctx context.Context, conversationID, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages[conversationID] {
		if msg.ID == id {
			return copyMessage(msg), nil
		}
	}
	return nil, ErrNotFound
}

// ListMessages returns up to limit messages older than before, ascending,
// excluding messages the viewer soft-deleted.
func (m *MockStore) ListMessages(ctx context.Context, conversationID, viewerID string, limit int, before *time.Time) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}

	var visible []*Message
	for _, msg := range m.messages[conversationID] {
		if before != nil && !msg.CreatedAt.Before(*before) {
			continue
		}
		if containsString(msg.DeletedFor, viewerID) {
			continue
		}
		visible = append(visible, msg)
	}

	sort.Slice(visible, func(i, j int) bool {
		if !visible[i].CreatedAt.Equal(visible[j].CreatedAt) {
			return visible[i].CreatedAt.Before(visible[j].CreatedAt)
		}
		return visible[i].ID < visible[j].ID
	})

	if len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}

	out := make([]*Message, 0, len(visible))
	for _, msg := range visible {
		out = append(out, copyMessage(msg))
	}
	return out, nil
}

// DeleteMessage removes a message row entirely.
func (m *MockStore) DeleteMessage(ctx context.Context, conversationID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[conversationID]
	for i, msg := range msgs {
		if msg.ID == id {
			m.messages[conversationID] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// MarkDeletedFor adds the user to a message's deleted-for set, idempotently.
func (m *MockStore) MarkDeletedFor(ctx context.Context, conversationID, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages[conversationID] {
		if msg.ID == id {
			if !containsString(msg.DeletedFor, userID) {
				msg.DeletedFor = append(msg.DeletedFor, userID)
			}
			return nil
		}
	}
	return ErrNotFound
}

// MarkConversationRead adds the user to the read set of every message they
// did not send and have not read, and zeroes their unread counter under the
// same lock. Returns the number of messages updated.
func (m *MockStore) MarkConversationRead(ctx context.Context, conversationID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := 0
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID == userID || containsString(msg.ReadBy, userID) {
			continue
		}
		msg.ReadBy = append(msg.ReadBy, userID)
		msg.Status = StatusRead
		updated++
	}
	if s, ok := m.settings[settingsKey(conversationID, userID)]; ok {
		s.UnreadCount = 0
		s.UpdatedAt = time.Now().UTC()
	}
	return updated, nil
}

// GetSettings retrieves the settings row for a (conversation, user) pair.
func (m *MockStore) GetSettings(ctx context.Context, conversationID, userID string) (*MembershipSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.settings[settingsKey(conversationID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s
	return &out, nil
}

// IncrementUnreadExcept bumps every participant's unread counter except the
// excluded user's.
func (m *MockStore) IncrementUnreadExcept(ctx context.Context, conversationID, excludedUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.settings {
		if s.ConversationID == conversationID && s.UserID != excludedUserID {
			s.UnreadCount++
			s.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

// UpdateSettings applies a partial update to the user's settings row.
func (m *MockStore) UpdateSettings(ctx context.Context, conversationID, userID string, patch SettingsPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.settings[settingsKey(conversationID, userID)]
	if !ok {
		return ErrNotFound
	}
	if patch.IsMuted != nil {
		s.IsMuted = *patch.IsMuted
	}
	if patch.MutedUntil != nil {
		t := *patch.MutedUntil
		s.MutedUntil = &t
	}
	if patch.IsPinned != nil {
		s.IsPinned = *patch.IsPinned
	}
	if patch.IsArchived != nil {
		s.IsArchived = *patch.IsArchived
	}
	if patch.Nickname != nil {
		s.Nickname = *patch.Nickname
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Ping always succeeds for the in-memory store.
func (m *MockStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (m *MockStore) Close() error { return nil }

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
