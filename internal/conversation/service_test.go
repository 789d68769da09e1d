// ABOUTME: Tests for the conversation service
// ABOUTME: Covers create-or-reuse, visibility, admin gating and settings

package conversation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/store"
)

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	st := createTestStore(t)
	return New(st, nil), st
}

func TestCreateOrReuse_PrivateConversation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateOrReuse(ctx, "alice", []string{"bob"}, store.ConversationPrivate, "")
	require.NoError(t, err)
	assert.Equal(t, store.ConversationPrivate, conv.Type)
	assert.ElementsMatch(t, []string{"alice", "bob"}, conv.ParticipantIDs)
	assert.Empty(t, conv.AdminIDs)

	// Requesting the same pair again, in either direction, reuses it
	again, err := svc.CreateOrReuse(ctx, "bob", []string{"alice"}, store.ConversationPrivate, "")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
}

func TestCreateOrReuse_GroupConversation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateOrReuse(ctx, "alice", []string{"bob", "carol"}, store.ConversationGroup, "weekend plans")
	require.NoError(t, err)
	assert.Equal(t, store.ConversationGroup, conv.Type)
	assert.Equal(t, "weekend plans", conv.Name)
	assert.Equal(t, []string{"alice"}, conv.AdminIDs)
	assert.Len(t, conv.ParticipantIDs, 3)

	// Groups are never deduplicated
	second, err := svc.CreateOrReuse(ctx, "alice", []string{"bob", "carol"}, store.ConversationGroup, "weekend plans")
	require.NoError(t, err)
	assert.NotEqual(t, conv.ID, second.ID)
}

// racingStore injects a rival insert between the service's lookup and its
// own write, the way a concurrent request would land
type racingStore struct {
	*store.MockStore
	raced bool
}

func (r *racingStore) CreateConversation(ctx context.Context, conv *store.Conversation) error {
	if !r.raced && conv.Type == store.ConversationPrivate {
		r.raced = true
		rival := &store.Conversation{
			ID:             "rival",
			Type:           conv.Type,
			ParticipantIDs: conv.ParticipantIDs,
			CreatedAt:      conv.CreatedAt,
			UpdatedAt:      conv.UpdatedAt,
		}
		if err := r.MockStore.CreateConversation(ctx, rival); err != nil {
			return err
		}
	}
	return r.MockStore.CreateConversation(ctx, conv)
}

func TestCreateOrReuse_PrivateCreateRace(t *testing.T) {
	svc := New(&racingStore{MockStore: store.NewMockStore()}, nil)

	// The duplicate-pair error from the losing insert resolves to the
	// rival's conversation instead of surfacing to the caller
	conv, err := svc.CreateOrReuse(context.Background(), "alice", []string{"bob"}, store.ConversationPrivate, "")
	require.NoError(t, err)
	assert.Equal(t, "rival", conv.ID)
}

func TestCreateOrReuse_RequesterAlwaysIncluded(t *testing.T) {
	svc, _ := newTestService(t)

	// Requester listed among the participants is deduplicated, not doubled
	conv, err := svc.CreateOrReuse(context.Background(), "alice", []string{"alice", "bob"}, store.ConversationPrivate, "")
	require.NoError(t, err)
	assert.Len(t, conv.ParticipantIDs, 2)
}

func TestCreateOrReuse_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name         string
		participants []string
		convType     store.ConversationType
	}{
		{"private with only requester", nil, store.ConversationPrivate},
		{"private with three members", []string{"bob", "carol"}, store.ConversationPrivate},
		{"unknown type", []string{"bob"}, store.ConversationType("BROADCAST")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateOrReuse(ctx, "alice", tt.participants, tt.convType, "")
			assert.ErrorIs(t, err, ErrInvalidParticipants)
		})
	}
}

func TestGetForUser(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateOrReuse(ctx, "alice", []string{"bob"}, store.ConversationPrivate, "")
	require.NoError(t, err)

	view, err := svc.GetForUser(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, view.ID)
	require.NotNil(t, view.Settings)
	assert.Equal(t, "alice", view.Settings.UserID)

	// Non-members and missing conversations are indistinguishable
	_, err = svc.GetForUser(ctx, conv.ID, "mallory")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.GetForUser(ctx, "missing", "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListForUser(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateOrReuse(ctx, "alice", []string{"bob"}, store.ConversationPrivate, "")
	require.NoError(t, err)
	second, err := svc.CreateOrReuse(ctx, "alice", []string{"bob", "carol"}, store.ConversationGroup, "plans")
	require.NoError(t, err)

	require.NoError(t, st.SetLastMessage(ctx, first.ID, "msg-1", time.Now().Add(-time.Minute)))
	require.NoError(t, st.SetLastMessage(ctx, second.ID, "msg-2", time.Now()))

	views, total, err := svc.ListForUser(ctx, "alice", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, views, 2)
	assert.Equal(t, second.ID, views[0].ID)
	assert.NotNil(t, views[0].Settings)

	// Pinning the quiet conversation moves it first for alice
	pinned := true
	require.NoError(t, svc.UpdateSettings(ctx, first.ID, "alice", store.SettingsPatch{IsPinned: &pinned}))

	views, _, err = svc.ListForUser(ctx, "alice", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, first.ID, views[0].ID)
	assert.True(t, views[0].Settings.IsPinned)
}

func TestAddMembers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateOrReuse(ctx, "alice", []string{"bob"}, store.ConversationGroup, "plans")
	require.NoError(t, err)

	require.NoError(t, svc.AddMembers(ctx, conv.ID, "alice", []string{"carol", "carol", "dave"}))

	view, err := svc.GetForUser(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol", "dave"}, view.ParticipantIDs)

	// Only admins may add
	err = svc.AddMembers(ctx, conv.ID, "bob", []string{"erin"})
	assert.ErrorIs(t, err, ErrForbidden)

	// Non-members cannot tell the conversation exists
	err = svc.AddMembers(ctx, conv.ID, "mallory", []string{"erin"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAddMembers_PrivateConversation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateOrReuse(ctx, "alice", []string{"bob"}, store.ConversationPrivate, "")
	require.NoError(t, err)

	err = svc.AddMembers(ctx, conv.ID, "alice", []string{"carol"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRemoveMember(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateOrReuse(ctx, "alice", []string{"bob", "carol"}, store.ConversationGroup, "plans")
	require.NoError(t, err)

	require.NoError(t, svc.RemoveMember(ctx, conv.ID, "alice", "carol"))

	view, err := svc.GetForUser(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.False(t, view.HasParticipant("carol"))

	// Removing someone who is not a member
	err = svc.RemoveMember(ctx, conv.ID, "alice", "carol")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Non-admin members cannot remove
	err = svc.RemoveMember(ctx, conv.ID, "bob", "alice")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestLeaveGroup(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	group, err := svc.CreateOrReuse(ctx, "alice", []string{"bob", "carol"}, store.ConversationGroup, "plans")
	require.NoError(t, err)

	// Any member may leave, admin or not
	require.NoError(t, svc.LeaveGroup(ctx, group.ID, "bob"))
	_, err = svc.GetForUser(ctx, group.ID, "bob")
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = svc.LeaveGroup(ctx, group.ID, "bob")
	assert.ErrorIs(t, err, store.ErrNotFound)

	private, err := svc.CreateOrReuse(ctx, "alice", []string{"bob"}, store.ConversationPrivate, "")
	require.NoError(t, err)
	err = svc.LeaveGroup(ctx, private.ID, "alice")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRecordLastMessageAndBumpUnread(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateOrReuse(ctx, "alice", []string{"bob", "carol"}, store.ConversationGroup, "plans")
	require.NoError(t, err)

	at := time.Now().UTC()
	require.NoError(t, svc.RecordLastMessage(ctx, conv.ID, "msg-1", at))
	require.NoError(t, svc.BumpUnreadExcept(ctx, conv.ID, "alice"))

	view, err := svc.GetForUser(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", view.LastMessageID)
	assert.Equal(t, 1, view.Settings.UnreadCount)

	sender, err := svc.GetForUser(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, sender.Settings.UnreadCount)
}

func TestUpdateSettings_NonMember(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateOrReuse(ctx, "alice", []string{"bob"}, store.ConversationPrivate, "")
	require.NoError(t, err)

	muted := true
	err = svc.UpdateSettings(ctx, conv.ID, "mallory", store.SettingsPatch{IsMuted: &muted})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
