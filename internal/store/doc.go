// Package store provides persistent storage for parley using SQLite.
//
// # Architecture
//
// The Store interface covers three areas that share one database:
//
//   - Conversations: private pairs and groups with their participant sets
//   - Messages: append-only history with per-user soft deletion
//   - Membership settings: one row per (conversation, user) holding unread
//     counters, mute/pin/archive flags and nicknames
//
// SQLiteStore implements the whole interface in a single struct. The schema
// is created automatically at startup with CREATE TABLE IF NOT EXISTS.
//
// # Data Models
//
//   - Conversation: PRIVATE (exactly two users, unique per pair) or GROUP
//     (admin-managed membership)
//   - Message: content and/or media attachments, reply threading, read
//     receipts (read_by) and per-user soft deletion (deleted_for)
//   - MembershipSettings: per-participant view state of a conversation
//
// # Concurrency
//
// SQLite permits a single writer; the pool is capped at one connection.
// Counter bumps and read-receipt batches are single UPDATE statements, so
// concurrent callers serialize at the database without application locks.
//
// # Timestamps
//
// All timestamps are stored as integer unix nanoseconds. Cursor pagination
// compares them directly, so ordering is exact with no format ambiguity.
//
// # Error Handling
//
// Lookups that find nothing return ErrNotFound. A private-pair collision
// surfaces as ErrDuplicateConversation so callers can fetch the existing
// conversation instead.
package store
