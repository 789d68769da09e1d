// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Conversation persistence with automatic schema creation; see messages.go, settings.go

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite permits a single writer; one pooled connection also keeps
	// a :memory: database from splitting across connections
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// Timestamps are stored as unix nanoseconds so that cursor comparisons
// and ordering are exact.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			type            TEXT NOT NULL,
			name            TEXT NOT NULL DEFAULT '',
			avatar          TEXT NOT NULL DEFAULT '',
			private_key     TEXT,
			last_message_id TEXT NOT NULL DEFAULT '',
			last_message_at INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL,

			CHECK (type IN ('PRIVATE', 'GROUP'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_private_pair
			ON conversations(private_key) WHERE private_key IS NOT NULL;

		CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			is_admin        INTEGER NOT NULL DEFAULT 0,
			joined_at       INTEGER NOT NULL,

			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user
			ON conversation_participants(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			media           TEXT NOT NULL DEFAULT '[]',
			reply_to_id     TEXT NOT NULL DEFAULT '',
			type            TEXT NOT NULL DEFAULT 'TEXT',
			status          TEXT NOT NULL DEFAULT 'SENT',
			read_by         TEXT NOT NULL DEFAULT '[]',
			deleted_for     TEXT NOT NULL DEFAULT '[]',
			created_at      INTEGER NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (type IN ('TEXT', 'IMAGE', 'VIDEO', 'AUDIO', 'FILE', 'STICKER', 'SYSTEM')),
			CHECK (status IN ('SENDING', 'SENT', 'DELIVERED', 'READ', 'FAILED'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS membership_settings (
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			unread_count    INTEGER NOT NULL DEFAULT 0,
			is_muted        INTEGER NOT NULL DEFAULT 0,
			muted_until     INTEGER,
			is_pinned       INTEGER NOT NULL DEFAULT 0,
			is_archived     INTEGER NOT NULL DEFAULT 0,
			nickname        TEXT NOT NULL DEFAULT '',
			updated_at      INTEGER NOT NULL,

			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping reports whether the database answers queries
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// privatePairKey builds the canonical unordered-pair key used to enforce
// private conversation uniqueness. Returns "" unless exactly two distinct
// participants are given.
func privatePairKey(participantIDs []string) string {
	if len(participantIDs) != 2 || participantIDs[0] == participantIDs[1] {
		return ""
	}
	pair := []string{participantIDs[0], participantIDs[1]}
	sort.Strings(pair)
	return pair[0] + "|" + pair[1]
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// toNanos converts a time to its stored representation. Zero times map to 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// fromNanos converts a stored timestamp back to a UTC time. 0 maps to the
// zero time.
func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// CreateConversation persists a conversation together with its participant
// rows and one membership settings row per participant, as a single
// transaction. Returns ErrDuplicateConversation if a private conversation
// for the same pair already exists.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var pairKey interface{}
	if conv.Type == ConversationPrivate {
		if key := privatePairKey(conv.ParticipantIDs); key != "" {
			pairKey = key
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, type, name, avatar, private_key, last_message_id, last_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, string(conv.Type), conv.Name, conv.Avatar, pairKey,
		conv.LastMessageID, toNanos(conv.LastMessageAt), toNanos(conv.CreatedAt), toNanos(conv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	now := toNanos(time.Now())
	for _, userID := range conv.ParticipantIDs {
		isAdmin := 0
		if conv.HasAdmin(userID) {
			isAdmin = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, is_admin, joined_at)
			VALUES (?, ?, ?, ?)`,
			conv.ID, userID, isAdmin, now,
		); err != nil {
			return fmt.Errorf("inserting participant %s: %w", userID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO membership_settings (conversation_id, user_id, updated_at)
			VALUES (?, ?, ?)`,
			conv.ID, userID, now,
		); err != nil {
			return fmt.Errorf("inserting settings for %s: %w", userID, err)
		}
	}

	return tx.Commit()
}

// GetConversation retrieves a conversation by ID, including its participant
// and admin sets
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, err := s.scanConversation(ctx, `
		SELECT id, type, name, avatar, last_message_id, last_message_at, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if err := s.loadParticipants(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// FindPrivateConversation looks up the unique private conversation for an
// unordered pair of users. Returns ErrNotFound if none exists.
func (s *SQLiteStore) FindPrivateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	key := privatePairKey([]string{userA, userB})
	if key == "" {
		return nil, ErrNotFound
	}
	conv, err := s.scanConversation(ctx, `
		SELECT id, type, name, avatar, last_message_id, last_message_at, created_at, updated_at
		FROM conversations WHERE private_key = ?`, key)
	if err != nil {
		return nil, err
	}
	if err := s.loadParticipants(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListUserConversations returns a page of the user's conversations ordered
// pinned-first, then by most recent activity, plus the total count for
// pagination metadata.
func (s *SQLiteStore) ListUserConversations(ctx context.Context, userID string, page, limit int) ([]*Conversation, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversation_participants WHERE user_id = ?`, userID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting conversations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.type, c.name, c.avatar, c.last_message_id, c.last_message_at, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = ?
		LEFT JOIN membership_settings s ON s.conversation_id = c.id AND s.user_id = ?
		ORDER BY COALESCE(s.is_pinned, 0) DESC,
			CASE WHEN c.last_message_at > 0 THEN c.last_message_at ELSE c.created_at END DESC,
			c.id
		LIMIT ? OFFSET ?`,
		userID, userID, limit, (page-1)*limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversationRow(rows)
		if err != nil {
			return nil, 0, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	for _, conv := range convs {
		if err := s.loadParticipants(ctx, conv); err != nil {
			return nil, 0, err
		}
	}

	return convs, total, nil
}

// AddParticipants unions the given users into the participant set,
// creating membership settings rows for the new ones. Existing members are
// skipped, making the operation idempotent.
func (s *SQLiteStore) AddParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	exists, err := s.conversationExists(ctx, conversationID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := toNanos(time.Now())
	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, is_admin, joined_at)
			VALUES (?, ?, 0, ?)`,
			conversationID, userID, now,
		); err != nil {
			return fmt.Errorf("adding participant %s: %w", userID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO membership_settings (conversation_id, user_id, updated_at)
			VALUES (?, ?, ?)`,
			conversationID, userID, now,
		); err != nil {
			return fmt.Errorf("adding settings for %s: %w", userID, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID,
	); err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}

	return tx.Commit()
}

// RemoveParticipant removes a user from the participant set (dropping any
// admin flag with it) and deletes their membership settings row.
func (s *SQLiteStore) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("removing participant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM membership_settings WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	); err != nil {
		return fmt.Errorf("removing settings: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, toNanos(time.Now()), conversationID,
	); err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}

	return tx.Commit()
}

// SetLastMessage updates the denormalized last-message pointer
func (s *SQLiteStore) SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET last_message_id = ?, last_message_at = ?, updated_at = ?
		WHERE id = ?`,
		messageID, toNanos(at), toNanos(time.Now()), conversationID,
	)
	if err != nil {
		return fmt.Errorf("setting last message: %w", err)
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

// IsParticipant reports whether the user belongs to the conversation
func (s *SQLiteStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking participant: %w", err)
	}
	return count > 0, nil
}

// ListUserConversationIDs returns the ids of every conversation the user
// participates in. Used by the realtime layer to join conversation rooms
// on connect.
func (s *SQLiteStore) ListUserConversationIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id FROM conversation_participants WHERE user_id = ?`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying conversation ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) conversationExists(ctx context.Context, id string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, id,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking conversation: %w", err)
	}
	return count > 0, nil
}

// rowScanner matches both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversationRow(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var typ string
	var lastMessageAt, createdAt, updatedAt int64

	err := row.Scan(&conv.ID, &typ, &conv.Name, &conv.Avatar,
		&conv.LastMessageID, &lastMessageAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	conv.Type = ConversationType(typ)
	conv.LastMessageAt = fromNanos(lastMessageAt)
	conv.CreatedAt = fromNanos(createdAt)
	conv.UpdatedAt = fromNanos(updatedAt)
	return &conv, nil
}

func (s *SQLiteStore) scanConversation(ctx context.Context, query string, args ...interface{}) (*Conversation, error) {
	conv, err := scanConversationRow(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// loadParticipants fills in the participant and admin id sets
func (s *SQLiteStore) loadParticipants(ctx context.Context, conv *Conversation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, is_admin FROM conversation_participants
		WHERE conversation_id = ? ORDER BY joined_at, user_id`,
		conv.ID,
	)
	if err != nil {
		return fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	conv.ParticipantIDs = nil
	conv.AdminIDs = nil
	for rows.Next() {
		var userID string
		var isAdmin int
		if err := rows.Scan(&userID, &isAdmin); err != nil {
			return err
		}
		conv.ParticipantIDs = append(conv.ParticipantIDs, userID)
		if isAdmin != 0 {
			conv.AdminIDs = append(conv.AdminIDs, userID)
		}
	}
	return rows.Err()
}
