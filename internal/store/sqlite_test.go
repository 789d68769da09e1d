// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers conversation CRUD, private pair uniqueness and list ordering

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newGroup(id string, admin string, participants ...string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:             id,
		Type:           ConversationGroup,
		Name:           "group " + id,
		ParticipantIDs: participants,
		AdminIDs:       []string{admin},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func newPrivate(id, userA, userB string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:             id,
		Type:           ConversationPrivate,
		ParticipantIDs: []string{userA, userB},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newGroup("conv-123", "alice", "alice", "bob", "carol")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	got, err := s.GetConversation(ctx, "conv-123")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}

	if got.ID != conv.ID {
		t.Errorf("ID mismatch: got %q, want %q", got.ID, conv.ID)
	}
	if got.Type != ConversationGroup {
		t.Errorf("Type mismatch: got %q, want %q", got.Type, ConversationGroup)
	}
	if got.Name != conv.Name {
		t.Errorf("Name mismatch: got %q, want %q", got.Name, conv.Name)
	}
	if len(got.ParticipantIDs) != 3 {
		t.Errorf("ParticipantIDs len = %d, want 3", len(got.ParticipantIDs))
	}
	if len(got.AdminIDs) != 1 || got.AdminIDs[0] != "alice" {
		t.Errorf("AdminIDs = %v, want [alice]", got.AdminIDs)
	}

	// Each participant gets a settings row at creation
	for _, userID := range conv.ParticipantIDs {
		settings, err := s.GetSettings(ctx, conv.ID, userID)
		if err != nil {
			t.Fatalf("GetSettings(%q) failed: %v", userID, err)
		}
		if settings.UnreadCount != 0 {
			t.Errorf("UnreadCount for %q = %d, want 0", userID, settings.UnreadCount)
		}
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConversation(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConversation error = %v, want ErrNotFound", err)
	}
}

func TestCreateConversation_DuplicatePrivatePair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConversation(ctx, newPrivate("conv-1", "alice", "bob")); err != nil {
		t.Fatalf("first CreateConversation failed: %v", err)
	}

	// Same pair in reverse order collides
	err := s.CreateConversation(ctx, newPrivate("conv-2", "bob", "alice"))
	if !errors.Is(err, ErrDuplicateConversation) {
		t.Errorf("CreateConversation error = %v, want ErrDuplicateConversation", err)
	}

	// A different pair is fine
	if err := s.CreateConversation(ctx, newPrivate("conv-3", "alice", "carol")); err != nil {
		t.Errorf("CreateConversation for different pair failed: %v", err)
	}

	// Groups with the same members never collide
	if err := s.CreateConversation(ctx, newGroup("conv-4", "alice", "alice", "bob")); err != nil {
		t.Errorf("CreateConversation for group failed: %v", err)
	}
}

func TestFindPrivateConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConversation(ctx, newPrivate("conv-1", "alice", "bob")); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	// Order of the pair must not matter
	got, err := s.FindPrivateConversation(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("FindPrivateConversation failed: %v", err)
	}
	if got.ID != "conv-1" {
		t.Errorf("ID = %q, want conv-1", got.ID)
	}
	if len(got.ParticipantIDs) != 2 {
		t.Errorf("ParticipantIDs len = %d, want 2", len(got.ParticipantIDs))
	}

	_, err = s.FindPrivateConversation(ctx, "alice", "carol")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("FindPrivateConversation error = %v, want ErrNotFound", err)
	}
}

func TestListUserConversations_OrderAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Three conversations with staggered activity, newest last
	base := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("conv-%d", i)
		if err := s.CreateConversation(ctx, newGroup(id, "alice", "alice", "bob")); err != nil {
			t.Fatalf("CreateConversation failed: %v", err)
		}
		at := base.Add(time.Duration(i) * time.Minute)
		if err := s.SetLastMessage(ctx, id, "msg-"+id, at); err != nil {
			t.Fatalf("SetLastMessage failed: %v", err)
		}
	}
	// One conversation alice is not in
	if err := s.CreateConversation(ctx, newGroup("conv-other", "bob", "bob", "carol")); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	convs, total, err := s.ListUserConversations(ctx, "alice", 1, 10)
	if err != nil {
		t.Fatalf("ListUserConversations failed: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(convs) != 3 {
		t.Fatalf("len = %d, want 3", len(convs))
	}
	// Most recent activity first
	if convs[0].ID != "conv-3" || convs[1].ID != "conv-2" || convs[2].ID != "conv-1" {
		t.Errorf("order = %s, %s, %s; want conv-3, conv-2, conv-1", convs[0].ID, convs[1].ID, convs[2].ID)
	}

	// Pinning conv-1 moves it to the front for alice only
	pinned := true
	if err := s.UpdateSettings(ctx, "conv-1", "alice", SettingsPatch{IsPinned: &pinned}); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	convs, _, err = s.ListUserConversations(ctx, "alice", 1, 10)
	if err != nil {
		t.Fatalf("ListUserConversations failed: %v", err)
	}
	if convs[0].ID != "conv-1" {
		t.Errorf("pinned conversation not first: got %s", convs[0].ID)
	}

	bobConvs, _, err := s.ListUserConversations(ctx, "bob", 1, 10)
	if err != nil {
		t.Fatalf("ListUserConversations failed: %v", err)
	}
	if bobConvs[0].ID == "conv-1" {
		t.Error("alice's pin leaked into bob's ordering")
	}

	// Pagination
	page2, total, err := s.ListUserConversations(ctx, "alice", 2, 2)
	if err != nil {
		t.Fatalf("ListUserConversations failed: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(page2) != 1 {
		t.Errorf("page 2 len = %d, want 1", len(page2))
	}
}

func TestAddParticipants_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConversation(ctx, newGroup("conv-1", "alice", "alice", "bob")); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	if err := s.AddParticipants(ctx, "conv-1", []string{"bob", "carol"}); err != nil {
		t.Fatalf("AddParticipants failed: %v", err)
	}

	got, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(got.ParticipantIDs) != 3 {
		t.Errorf("ParticipantIDs len = %d, want 3", len(got.ParticipantIDs))
	}

	// New member gets a settings row
	if _, err := s.GetSettings(ctx, "conv-1", "carol"); err != nil {
		t.Errorf("GetSettings for new member failed: %v", err)
	}

	// Unknown conversation
	err = s.AddParticipants(ctx, "missing", []string{"dave"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("AddParticipants error = %v, want ErrNotFound", err)
	}
}

func TestRemoveParticipant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConversation(ctx, newGroup("conv-1", "alice", "alice", "bob", "carol")); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	if err := s.RemoveParticipant(ctx, "conv-1", "carol"); err != nil {
		t.Fatalf("RemoveParticipant failed: %v", err)
	}

	got, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.HasParticipant("carol") {
		t.Error("carol still a participant after removal")
	}

	// Settings row is gone with the membership
	if _, err := s.GetSettings(ctx, "conv-1", "carol"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSettings error = %v, want ErrNotFound", err)
	}

	// Removing a non-member reports not found
	if err := s.RemoveParticipant(ctx, "conv-1", "carol"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RemoveParticipant error = %v, want ErrNotFound", err)
	}
}

func TestSetLastMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConversation(ctx, newGroup("conv-1", "alice", "alice", "bob")); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	at := time.Now().UTC()
	if err := s.SetLastMessage(ctx, "conv-1", "msg-42", at); err != nil {
		t.Fatalf("SetLastMessage failed: %v", err)
	}

	got, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.LastMessageID != "msg-42" {
		t.Errorf("LastMessageID = %q, want msg-42", got.LastMessageID)
	}
	if !got.LastMessageAt.Equal(at) {
		t.Errorf("LastMessageAt = %v, want %v", got.LastMessageAt, at)
	}

	if err := s.SetLastMessage(ctx, "missing", "msg-1", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetLastMessage error = %v, want ErrNotFound", err)
	}
}

func TestIsParticipant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConversation(ctx, newGroup("conv-1", "alice", "alice", "bob")); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	ok, err := s.IsParticipant(ctx, "conv-1", "alice")
	if err != nil {
		t.Fatalf("IsParticipant failed: %v", err)
	}
	if !ok {
		t.Error("alice should be a participant")
	}

	ok, err = s.IsParticipant(ctx, "conv-1", "mallory")
	if err != nil {
		t.Fatalf("IsParticipant failed: %v", err)
	}
	if ok {
		t.Error("mallory should not be a participant")
	}
}

func TestListUserConversationIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("conv-%d", i)
		if err := s.CreateConversation(ctx, newGroup(id, "alice", "alice", "bob")); err != nil {
			t.Fatalf("CreateConversation failed: %v", err)
		}
	}
	if err := s.CreateConversation(ctx, newGroup("conv-x", "bob", "bob", "carol")); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	ids, err := s.ListUserConversationIDs(ctx, "alice")
	if err != nil {
		t.Fatalf("ListUserConversationIDs failed: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("len = %d, want 3", len(ids))
	}
	for _, id := range ids {
		if id == "conv-x" {
			t.Error("conv-x should not appear for alice")
		}
	}
}
