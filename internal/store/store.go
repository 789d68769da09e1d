// ABOUTME: Store interface and data types for parley persistence
// ABOUTME: Defines Conversation, Message, MembershipSettings and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when creating a private conversation
// for a participant pair that already has one
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrUnavailable wraps opaque storage failures surfaced to service callers.
// It marks an error as retryable under the caller's own policy; the store
// never retries internally.
var ErrUnavailable = errors.New("store unavailable")

// ConversationType distinguishes one-to-one chats from named groups
type ConversationType string

const (
	ConversationPrivate ConversationType = "PRIVATE"
	ConversationGroup   ConversationType = "GROUP"
)

// Conversation groups a set of participants and the messages exchanged
// among them. For PRIVATE conversations the participant pair is unique:
// at most one conversation exists for any unordered pair of users.
type Conversation struct {
	ID             string
	Type           ConversationType
	Name           string // GROUP only
	Avatar         string
	ParticipantIDs []string
	AdminIDs       []string // subset of ParticipantIDs, empty for PRIVATE
	LastMessageID  string
	LastMessageAt  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasParticipant reports whether userID is in the participant set.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// HasAdmin reports whether userID is in the admin set.
func (c *Conversation) HasAdmin(userID string) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// MessageType categorizes message content
type MessageType string

const (
	MessageText    MessageType = "TEXT"
	MessageImage   MessageType = "IMAGE"
	MessageVideo   MessageType = "VIDEO"
	MessageAudio   MessageType = "AUDIO"
	MessageFile    MessageType = "FILE"
	MessageSticker MessageType = "STICKER"
	MessageSystem  MessageType = "SYSTEM"
)

// MessageStatus tracks delivery state
type MessageStatus string

const (
	StatusSending   MessageStatus = "SENDING"
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
	StatusFailed    MessageStatus = "FAILED"
)

// MediaItem references a pre-uploaded media object. The core never touches
// file bytes; these fields are opaque to it.
type MediaItem struct {
	URL       string `json:"url"`
	Type      string `json:"type"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// Message is a single message within a conversation. DeletedFor holds user
// ids the message is hidden from (recipient-side soft delete); a sender
// delete removes the row entirely.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Media          []MediaItem
	ReplyToID      string // must reference a message in the same conversation
	Type           MessageType
	Status         MessageStatus
	ReadBy         []string
	DeletedFor     []string
	CreatedAt      time.Time
}

// ReadByUser reports whether userID is in the read set.
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// MembershipSettings is the per-(conversation, user) mutable state: unread
// bookkeeping plus mute/pin/archive preferences. Exactly one row exists per
// participant; it is created when the user joins and removed when they leave.
type MembershipSettings struct {
	ConversationID string
	UserID         string
	UnreadCount    int
	IsMuted        bool
	MutedUntil     *time.Time
	IsPinned       bool
	IsArchived     bool
	Nickname       string
	UpdatedAt      time.Time
}

// SettingsPatch carries partial updates to membership settings. Nil fields
// are left untouched.
type SettingsPatch struct {
	IsMuted    *bool
	MutedUntil *time.Time
	IsPinned   *bool
	IsArchived *bool
	Nickname   *string
}

// Store defines the interface for conversation, message and membership
// settings persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindPrivateConversation(ctx context.Context, userA, userB string) (*Conversation, error)
	ListUserConversations(ctx context.Context, userID string, page, limit int) ([]*Conversation, int, error)
	AddParticipants(ctx context.Context, conversationID string, userIDs []string) error
	RemoveParticipant(ctx context.Context, conversationID, userID string) error
	SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ListUserConversationIDs(ctx context.Context, userID string) ([]string, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, conversationID, id string) (*Message, error)
	ListMessages(ctx context.Context, conversationID, viewerID string, limit int, before *time.Time) ([]*Message, error)
	DeleteMessage(ctx context.Context, conversationID, id string) error
	MarkDeletedFor(ctx context.Context, conversationID, id, userID string) error

	// MarkConversationRead flips unread messages to READ for the user and
	// zeroes their unread counter in the same transaction
	MarkConversationRead(ctx context.Context, conversationID, userID string) (int, error)

	// Membership settings
	GetSettings(ctx context.Context, conversationID, userID string) (*MembershipSettings, error)
	IncrementUnreadExcept(ctx context.Context, conversationID, excludedUserID string) error
	UpdateSettings(ctx context.Context, conversationID, userID string, patch SettingsPatch) error

	// Ping reports whether the backing database answers queries
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
