// ABOUTME: Message operations for the SQLite store
// ABOUTME: Cursor pagination, per-user soft delete and batch read receipts

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SaveMessage persists a message
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	media, err := marshalJSON(msg.Media)
	if err != nil {
		return fmt.Errorf("encoding media: %w", err)
	}
	readBy, err := marshalJSON(msg.ReadBy)
	if err != nil {
		return fmt.Errorf("encoding read_by: %w", err)
	}
	deletedFor, err := marshalJSON(msg.DeletedFor)
	if err != nil {
		return fmt.Errorf("encoding deleted_for: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, media, reply_to_id, type, status, read_by, deleted_for, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, media,
		msg.ReplyToID, string(msg.Type), string(msg.Status), readBy, deletedFor,
		toNanos(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by id within a conversation. The
// conversation id is part of the key so a message cannot be addressed
// through another conversation.
func (s *SQLiteStore) GetMessage(ctx context.Context, conversationID, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, content, media, reply_to_id, type, status, read_by, deleted_for, created_at
		FROM messages WHERE conversation_id = ? AND id = ?`,
		conversationID, id,
	)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListMessages returns up to limit messages older than the before cursor
// (or the most recent overall when before is nil), excluding messages the
// viewer has soft-deleted. The page is returned in ascending createdAt
// order, ties broken by id.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID, viewerID string, limit int, before *time.Time) ([]*Message, error) {
	if limit < 1 {
		limit = 50
	}

	var cursor int64
	if before != nil {
		cursor = toNanos(*before)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, content, media, reply_to_id, type, status, read_by, deleted_for, created_at
		FROM messages
		WHERE conversation_id = ?
			AND (? = 0 OR created_at < ?)
			AND NOT EXISTS (SELECT 1 FROM json_each(messages.deleted_for) WHERE json_each.value = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		conversationID, cursor, cursor, viewerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query selects newest-first; flip to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DeleteMessage removes a message row entirely (sender-initiated delete)
func (s *SQLiteStore) DeleteMessage(ctx context.Context, conversationID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND id = ?`,
		conversationID, id,
	)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
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

// MarkDeletedFor adds the user to a message's deleted-for set. Idempotent:
// users already in the set are not added twice.
func (s *SQLiteStore) MarkDeletedFor(ctx context.Context, conversationID, id, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET deleted_for = json_insert(deleted_for, '$[#]', ?)
		WHERE conversation_id = ? AND id = ?
			AND NOT EXISTS (SELECT 1 FROM json_each(messages.deleted_for) WHERE json_each.value = ?)`,
		userID, conversationID, id, userID,
	)
	if err != nil {
		return fmt.Errorf("marking deleted: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either already hidden for this user, or the message is gone
		if _, err := s.GetMessage(ctx, conversationID, id); err != nil {
			return err
		}
	}
	return nil
}

// MarkConversationRead adds the user to the read set of every message in
// the conversation they did not send and have not read yet, flipping those
// messages to READ, and zeroes the user's unread counter. Both updates run
// in one transaction: a concurrent send lands either entirely before the
// batch (and is marked read) or entirely after the reset (and keeps its
// increment), so the counter never drops a message the reader missed.
// Returns the number of messages updated; calling it again is a no-op.
func (s *SQLiteStore) MarkConversationRead(ctx context.Context, conversationID, userID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET read_by = json_insert(read_by, '$[#]', ?), status = 'READ'
		WHERE conversation_id = ? AND sender_id != ?
			AND NOT EXISTS (SELECT 1 FROM json_each(messages.read_by) WHERE json_each.value = ?)`,
		userID, conversationID, userID, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("marking read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE membership_settings SET unread_count = 0, updated_at = ?
		WHERE conversation_id = ? AND user_id = ?`,
		toNanos(time.Now()), conversationID, userID,
	); err != nil {
		return 0, fmt.Errorf("resetting unread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing mark read: %w", err)
	}
	return int(affected), nil
}

// marshalJSON encodes a slice as a JSON array, mapping nil to "[]" so the
// stored column is always a valid array for json_each
func marshalJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var media, readBy, deletedFor, typ, status string
	var createdAt int64

	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content,
		&media, &msg.ReplyToID, &typ, &status, &readBy, &deletedFor, &createdAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(media), &msg.Media); err != nil {
		return nil, fmt.Errorf("decoding media: %w", err)
	}
	if err := json.Unmarshal([]byte(readBy), &msg.ReadBy); err != nil {
		return nil, fmt.Errorf("decoding read_by: %w", err)
	}
	if err := json.Unmarshal([]byte(deletedFor), &msg.DeletedFor); err != nil {
		return nil, fmt.Errorf("decoding deleted_for: %w", err)
	}

	msg.Type = MessageType(typ)
	msg.Status = MessageStatus(status)
	msg.CreatedAt = fromNanos(createdAt)
	return &msg, nil
}
