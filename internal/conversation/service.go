// ABOUTME: Conversation lifecycle service: create-or-reuse, membership, bookkeeping
// ABOUTME: Private pairs are deduplicated; group membership changes are admin-gated

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/parleyhq/parley/internal/store"
)

// ErrInvalidParticipants is returned when a creation request carries fewer
// participants than the conversation type requires
var ErrInvalidParticipants = errors.New("invalid participants")

// ErrForbidden is returned when an authenticated caller lacks the privilege
// for a group operation
var ErrForbidden = errors.New("forbidden")

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	FindPrivateConversation(ctx context.Context, userA, userB string) (*store.Conversation, error)
	ListUserConversations(ctx context.Context, userID string, page, limit int) ([]*store.Conversation, int, error)
	AddParticipants(ctx context.Context, conversationID string, userIDs []string) error
	RemoveParticipant(ctx context.Context, conversationID, userID string) error
	SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)

	GetSettings(ctx context.Context, conversationID, userID string) (*store.MembershipSettings, error)
	IncrementUnreadExcept(ctx context.Context, conversationID, excludedUserID string) error
	UpdateSettings(ctx context.Context, conversationID, userID string, patch store.SettingsPatch) error
}

// View is a conversation merged with the viewing participant's own settings
type View struct {
	*store.Conversation
	Settings *store.MembershipSettings
}

// Service orchestrates conversation lifecycle and membership changes
type Service struct {
	store  ConversationStore
	logger *slog.Logger
}

// New creates a conversation service. Pass nil logger for default.
func New(st ConversationStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger.With("component", "conversation"),
	}
}

// CreateOrReuse creates a conversation for the given participants, always
// including the requester. For a private pair the existing conversation is
// returned idempotently instead of creating a duplicate.
func (s *Service) CreateOrReuse(ctx context.Context, requesterID string, participantIDs []string, convType store.ConversationType, name string) (*store.Conversation, error) {
	participants := lo.Uniq(append([]string{requesterID}, participantIDs...))

	switch convType {
	case store.ConversationPrivate:
		if len(participants) != 2 {
			return nil, fmt.Errorf("%w: private conversation requires exactly 2 participants, got %d", ErrInvalidParticipants, len(participants))
		}
	case store.ConversationGroup:
		if len(participants) < 1 {
			return nil, fmt.Errorf("%w: group conversation requires at least 1 participant", ErrInvalidParticipants)
		}
	default:
		return nil, fmt.Errorf("%w: unknown conversation type %q", ErrInvalidParticipants, convType)
	}

	if convType == store.ConversationPrivate {
		existing, err := s.store.FindPrivateConversation(ctx, participants[0], participants[1])
		if err == nil {
			s.logger.Debug("reusing private conversation", "conversation_id", existing.ID)
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, storeErr(err)
		}
	}

	now := time.Now()
	conv := &store.Conversation{
		ID:             uuid.New().String(),
		Type:           convType,
		Name:           name,
		ParticipantIDs: participants,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if convType == store.ConversationGroup {
		conv.AdminIDs = []string{requesterID}
	}

	if err := s.store.CreateConversation(ctx, conv); err != nil {
		// Another request may have created the same private pair between
		// our lookup and the insert; the unique index catches it
		if errors.Is(err, store.ErrDuplicateConversation) && convType == store.ConversationPrivate {
			existing, lookupErr := s.store.FindPrivateConversation(ctx, participants[0], participants[1])
			if lookupErr == nil {
				s.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
				return existing, nil
			}
			s.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, storeErr(err)
	}

	s.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"type", conv.Type,
		"participants", len(participants))
	return conv, nil
}

// GetForUser returns the conversation merged with the caller's own
// settings. Absent conversations and conversations the caller does not
// belong to are both reported as store.ErrNotFound, so a non-member cannot
// probe for existence.
func (s *Service) GetForUser(ctx context.Context, conversationID, userID string) (*View, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !conv.HasParticipant(userID) {
		return nil, store.ErrNotFound
	}

	settings, err := s.store.GetSettings(ctx, conversationID, userID)
	if err != nil {
		return nil, storeErr(err)
	}
	return &View{Conversation: conv, Settings: settings}, nil
}

// ListForUser returns a page of the user's conversations, pinned first and
// then by most recent activity, each merged with that user's settings.
func (s *Service) ListForUser(ctx context.Context, userID string, page, limit int) ([]*View, int, error) {
	convs, total, err := s.store.ListUserConversations(ctx, userID, page, limit)
	if err != nil {
		return nil, 0, storeErr(err)
	}

	views := make([]*View, 0, len(convs))
	for _, conv := range convs {
		settings, err := s.store.GetSettings(ctx, conv.ID, userID)
		if err != nil {
			return nil, 0, storeErr(err)
		}
		views = append(views, &View{Conversation: conv, Settings: settings})
	}
	return views, total, nil
}

// AddMembers unions the given users into a group conversation. The acting
// user must be a group admin.
func (s *Service) AddMembers(ctx context.Context, conversationID, actingUserID string, memberIDs []string) error {
	conv, err := s.requireGroupAdmin(ctx, conversationID, actingUserID)
	if err != nil {
		return err
	}

	newMembers := lo.Uniq(memberIDs)
	if err := s.store.AddParticipants(ctx, conversationID, newMembers); err != nil {
		return storeErr(err)
	}

	s.logger.Info("members added",
		"conversation_id", conv.ID,
		"acting_user", actingUserID,
		"members", newMembers)
	return nil
}

// RemoveMember removes a user from a group conversation. The acting user
// must be a group admin.
func (s *Service) RemoveMember(ctx context.Context, conversationID, actingUserID, memberID string) error {
	conv, err := s.requireGroupAdmin(ctx, conversationID, actingUserID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(memberID) {
		return store.ErrNotFound
	}

	if err := s.store.RemoveParticipant(ctx, conversationID, memberID); err != nil {
		return storeErr(err)
	}

	s.logger.Info("member removed",
		"conversation_id", conversationID,
		"acting_user", actingUserID,
		"member", memberID)
	return nil
}

// LeaveGroup removes the caller from a group conversation. No admin
// privilege required.
func (s *Service) LeaveGroup(ctx context.Context, conversationID, userID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return storeErr(err)
	}
	if !conv.HasParticipant(userID) {
		return store.ErrNotFound
	}
	if conv.Type != store.ConversationGroup {
		return fmt.Errorf("%w: cannot leave a private conversation", ErrForbidden)
	}

	if err := s.store.RemoveParticipant(ctx, conversationID, userID); err != nil {
		return storeErr(err)
	}

	s.logger.Info("participant left", "conversation_id", conversationID, "user", userID)
	return nil
}

// RecordLastMessage updates the denormalized last-message pointer. Called
// by the message service as part of send.
func (s *Service) RecordLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	if err := s.store.SetLastMessage(ctx, conversationID, messageID, at); err != nil {
		return storeErr(err)
	}
	return nil
}

// BumpUnreadExcept increments the unread counter of every participant
// except the excluded one. Called by the message service as part of send.
func (s *Service) BumpUnreadExcept(ctx context.Context, conversationID, excludedUserID string) error {
	if err := s.store.IncrementUnreadExcept(ctx, conversationID, excludedUserID); err != nil {
		return storeErr(err)
	}
	return nil
}

// UpdateSettings applies mute/pin/archive/nickname changes to the caller's
// own membership settings row.
func (s *Service) UpdateSettings(ctx context.Context, conversationID, userID string, patch store.SettingsPatch) error {
	ok, err := s.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return storeErr(err)
	}
	if !ok {
		return store.ErrNotFound
	}
	if err := s.store.UpdateSettings(ctx, conversationID, userID, patch); err != nil {
		return storeErr(err)
	}
	return nil
}

// requireGroupAdmin loads the conversation and verifies the acting user is
// an admin of a group. Non-members get ErrNotFound, members without admin
// rights get ErrForbidden.
func (s *Service) requireGroupAdmin(ctx context.Context, conversationID, actingUserID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !conv.HasParticipant(actingUserID) {
		return nil, store.ErrNotFound
	}
	if conv.Type != store.ConversationGroup {
		return nil, fmt.Errorf("%w: not a group conversation", ErrForbidden)
	}
	if !conv.HasAdmin(actingUserID) {
		return nil, fmt.Errorf("%w: admin privilege required", ErrForbidden)
	}
	return conv, nil
}

// storeErr passes validation sentinels through untouched and wraps
// everything else as a retryable store failure
func storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrDuplicateConversation) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
