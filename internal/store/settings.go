// ABOUTME: Membership settings operations for the SQLite store
// ABOUTME: Unread counters and per-user mute/pin/archive preferences

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetSettings retrieves the membership settings row for a (conversation,
// user) pair
func (s *SQLiteStore) GetSettings(ctx context.Context, conversationID, userID string) (*MembershipSettings, error) {
	var ms MembershipSettings
	var muted, pinned, archived int
	var mutedUntil sql.NullInt64
	var updatedAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, user_id, unread_count, is_muted, muted_until, is_pinned, is_archived, nickname, updated_at
		FROM membership_settings WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&ms.ConversationID, &ms.UserID, &ms.UnreadCount, &muted, &mutedUntil,
		&pinned, &archived, &ms.Nickname, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}

	ms.IsMuted = muted != 0
	ms.IsPinned = pinned != 0
	ms.IsArchived = archived != 0
	if mutedUntil.Valid {
		t := fromNanos(mutedUntil.Int64)
		ms.MutedUntil = &t
	}
	ms.UpdatedAt = fromNanos(updatedAt)
	return &ms, nil
}

// IncrementUnreadExcept bumps the unread counter for every participant
// except the excluded one (the sender). A single UPDATE keeps the
// read-modify-write atomic under concurrent sends and mark-reads.
func (s *SQLiteStore) IncrementUnreadExcept(ctx context.Context, conversationID, excludedUserID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE membership_settings SET unread_count = unread_count + 1, updated_at = ?
		WHERE conversation_id = ? AND user_id != ?`,
		toNanos(time.Now()), conversationID, excludedUserID,
	)
	if err != nil {
		return fmt.Errorf("incrementing unread: %w", err)
	}
	return nil
}

// UpdateSettings applies a partial update to the user's settings row.
// Nil patch fields are left untouched.
func (s *SQLiteStore) UpdateSettings(ctx context.Context, conversationID, userID string, patch SettingsPatch) error {
	sets := "updated_at = ?"
	args := []interface{}{toNanos(time.Now())}

	if patch.IsMuted != nil {
		sets += ", is_muted = ?"
		args = append(args, boolToInt(*patch.IsMuted))
	}
	if patch.MutedUntil != nil {
		sets += ", muted_until = ?"
		args = append(args, toNanos(*patch.MutedUntil))
	}
	if patch.IsPinned != nil {
		sets += ", is_pinned = ?"
		args = append(args, boolToInt(*patch.IsPinned))
	}
	if patch.IsArchived != nil {
		sets += ", is_archived = ?"
		args = append(args, boolToInt(*patch.IsArchived))
	}
	if patch.Nickname != nil {
		sets += ", nickname = ?"
		args = append(args, *patch.Nickname)
	}

	args = append(args, conversationID, userID)
	res, err := s.db.ExecContext(ctx,
		"UPDATE membership_settings SET "+sets+" WHERE conversation_id = ? AND user_id = ?",
		args...,
	)
	if err != nil {
		return fmt.Errorf("updating settings: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
