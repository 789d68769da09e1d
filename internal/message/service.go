// ABOUTME: Message lifecycle service: send, paginate, delete, mark-read
// ABOUTME: Messages are persisted before any fan-out; counters are bumped as part of send

package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/store"
)

// ErrInvalidMessage is returned when a message carries neither content nor
// media
var ErrInvalidMessage = errors.New("invalid message")

// MessageStore defines what the service needs from storage
type MessageStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	SaveMessage(ctx context.Context, msg *store.Message) error
	GetMessage(ctx context.Context, conversationID, id string) (*store.Message, error)
	ListMessages(ctx context.Context, conversationID, viewerID string, limit int, before *time.Time) ([]*store.Message, error)
	DeleteMessage(ctx context.Context, conversationID, id string) error
	MarkDeletedFor(ctx context.Context, conversationID, id, userID string) error
	MarkConversationRead(ctx context.Context, conversationID, userID string) (int, error)
}

// ConversationBookkeeper is the slice of the conversation service a send
// touches: the last-message pointer and the other participants' unread
// counters
type ConversationBookkeeper interface {
	RecordLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error
	BumpUnreadExcept(ctx context.Context, conversationID, excludedUserID string) error
}

// Notifier receives events after their store mutation has completed, for
// fan-out to connected participants. Implementations must not block.
type Notifier interface {
	MessageCreated(conv *store.Conversation, msg *store.Message)
	MessagesRead(conv *store.Conversation, readerID string)
}

// Service orchestrates message lifecycle against the store, with
// conversation bookkeeping and realtime notification hooks
type Service struct {
	store         MessageStore
	conversations ConversationBookkeeper
	notifier      Notifier
	logger        *slog.Logger
}

// New creates a message service. notifier may be nil when no realtime
// fan-out is wired (tests, batch tools).
func New(st MessageStore, conversations ConversationBookkeeper, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         st,
		conversations: conversations,
		notifier:      notifier,
		logger:        logger.With("component", "message"),
	}
}

// SendRequest carries everything needed to send a message
type SendRequest struct {
	ConversationID string
	SenderID       string
	Content        string
	Media          []store.MediaItem
	ReplyToID      string
	Type           store.MessageType
}

// Send validates and persists a message, updates the conversation's
// last-message pointer and the other participants' unread counters, then
// hands the event to the notifier. Non-members get store.ErrNotFound so
// the conversation's existence is not confirmed to them.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*store.Message, error) {
	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !conv.HasParticipant(req.SenderID) {
		return nil, store.ErrNotFound
	}

	if req.Content == "" && len(req.Media) == 0 {
		return nil, fmt.Errorf("%w: content or media required", ErrInvalidMessage)
	}

	if req.ReplyToID != "" {
		// The referenced message must live in the same conversation
		if _, err := s.store.GetMessage(ctx, req.ConversationID, req.ReplyToID); err != nil {
			return nil, storeErr(err)
		}
	}

	msgType := req.Type
	if msgType == "" {
		msgType = store.MessageText
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		Media:          req.Media,
		ReplyToID:      req.ReplyToID,
		Type:           msgType,
		Status:         store.StatusSent,
		ReadBy:         []string{req.SenderID},
		CreatedAt:      time.Now(),
	}

	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, storeErr(err)
	}

	// The message is durable from here on. Counter bookkeeping failures
	// are logged rather than returned: failing the caller now would
	// prompt a retry and a duplicate message, and the counters are
	// derived state that the next send or mark-read repairs.
	if err := s.conversations.RecordLastMessage(ctx, req.ConversationID, msg.ID, msg.CreatedAt); err != nil {
		s.logger.Error("failed to record last message",
			"error", err,
			"conversation_id", req.ConversationID,
			"message_id", msg.ID)
	}
	if err := s.conversations.BumpUnreadExcept(ctx, req.ConversationID, req.SenderID); err != nil {
		s.logger.Error("failed to bump unread counters",
			"error", err,
			"conversation_id", req.ConversationID)
	}

	s.logger.Debug("message sent",
		"conversation_id", req.ConversationID,
		"message_id", msg.ID,
		"sender", req.SenderID)

	if s.notifier != nil {
		s.notifier.MessageCreated(conv, msg)
	}
	return msg, nil
}

// Page is one page of a backward message scan
type Page struct {
	Messages []*store.Message
	HasMore  bool
	Oldest   time.Time
}

// List returns the limit most recent messages older than before (all most
// recent when before is nil), in ascending createdAt order, excluding
// messages the caller soft-deleted. HasMore is inferred from a full page;
// it under-reports when the remaining count is an exact multiple of limit.
func (s *Service) List(ctx context.Context, conversationID, userID string, limit int, before *time.Time) (*Page, error) {
	if limit < 1 {
		limit = 50
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !conv.HasParticipant(userID) {
		return nil, store.ErrNotFound
	}

	msgs, err := s.store.ListMessages(ctx, conversationID, userID, limit, before)
	if err != nil {
		return nil, storeErr(err)
	}

	page := &Page{
		Messages: msgs,
		HasMore:  len(msgs) == limit,
	}
	if len(msgs) > 0 {
		page.Oldest = msgs[0].CreatedAt
	}
	return page, nil
}

// Delete removes a message. The sender's delete removes the record for
// everyone; any other participant's delete only hides it from them.
func (s *Service) Delete(ctx context.Context, conversationID, messageID, userID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return storeErr(err)
	}
	if !conv.HasParticipant(userID) {
		return store.ErrNotFound
	}

	msg, err := s.store.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		return storeErr(err)
	}

	if msg.SenderID == userID {
		if err := s.store.DeleteMessage(ctx, conversationID, messageID); err != nil {
			return storeErr(err)
		}
		s.logger.Debug("message hard-deleted", "conversation_id", conversationID, "message_id", messageID)
		return nil
	}

	if err := s.store.MarkDeletedFor(ctx, conversationID, messageID, userID); err != nil {
		return storeErr(err)
	}
	s.logger.Debug("message hidden for user",
		"conversation_id", conversationID,
		"message_id", messageID,
		"user", userID)
	return nil
}

// MarkRead adds the caller to the read set of every message they have not
// read, resets their unread counter, and notifies the other participants.
// The read batch and the counter reset are one store transaction, so a
// concurrent send cannot slip a new message under the reset. Idempotent: a
// second call changes nothing and fans out nothing.
func (s *Service) MarkRead(ctx context.Context, conversationID, userID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return storeErr(err)
	}
	if !conv.HasParticipant(userID) {
		return store.ErrNotFound
	}

	updated, err := s.store.MarkConversationRead(ctx, conversationID, userID)
	if err != nil {
		return storeErr(err)
	}

	if updated > 0 {
		s.logger.Debug("messages marked read",
			"conversation_id", conversationID,
			"user", userID,
			"count", updated)
		if s.notifier != nil {
			s.notifier.MessagesRead(conv, userID)
		}
	}
	return nil
}

// storeErr passes sentinels through untouched and wraps everything else as
// a retryable store failure
func storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
