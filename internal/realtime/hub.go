// ABOUTME: In-memory session registry and room-based fan-out
// ABOUTME: Rooms are per-user and per-conversation; publish is non-blocking best-effort

package realtime

import (
	"log/slog"
	"sync"

	"github.com/parleyhq/parley/internal/store"
)

// sessionBufferSize is the outbound channel buffer for each session.
// Publish drops events for sessions whose buffers are full.
const sessionBufferSize = 64

// UserRoom is the personal room every session of a user joins. A user with
// several simultaneous connections receives each event on all of them.
func UserRoom(userID string) string { return "user:" + userID }

// ConversationRoom is the shared room for one conversation.
func ConversationRoom(conversationID string) string { return "conv:" + conversationID }

// Hub is the per-process registry mapping sessions to rooms. It is local
// state with no cross-process sharing; a horizontally scaled deployment
// would swap it for a broker-backed implementation behind the same
// methods.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]*Session // room -> session ID -> session
	sessions map[string]*Session            // session ID -> session
	logger   *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:    make(map[string]map[string]*Session),
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "hub"),
	}
}

// Register adds an authenticated session to the registry
func (h *Hub) Register(sess *Session) {
	h.mu.Lock()
	h.sessions[sess.ID] = sess
	h.mu.Unlock()

	h.logger.Debug("session registered", "session_id", sess.ID, "user_id", sess.UserID)
}

// Deregister removes a session from the registry and every room it joined
func (h *Hub) Deregister(sess *Session) {
	h.mu.Lock()
	delete(h.sessions, sess.ID)
	for room, members := range h.rooms {
		if _, ok := members[sess.ID]; ok {
			delete(members, sess.ID)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()

	h.logger.Debug("session deregistered", "session_id", sess.ID, "user_id", sess.UserID)
}

// Join adds a session to a room
func (h *Hub) Join(room string, sess *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[string]*Session)
	}
	h.rooms[room][sess.ID] = sess
}

// Leave removes a session from a room
func (h *Hub) Leave(room string, sess *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, sess.ID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Publish sends an event to every session in a room. If excludeSessionID
// is non-empty that session is skipped. Non-blocking: the event is dropped
// for sessions whose buffers are full, so a slow recipient never stalls
// the publisher.
func (h *Hub) Publish(room string, event *ServerEvent, excludeSessionID string) {
	h.mu.RLock()
	members, ok := h.rooms[room]
	if !ok || len(members) == 0 {
		h.mu.RUnlock()
		return
	}
	// Copy targets under the read lock to avoid holding it during sends
	targets := make([]*Session, 0, len(members))
	for id, sess := range members {
		if excludeSessionID != "" && id == excludeSessionID {
			continue
		}
		targets = append(targets, sess)
	}
	h.mu.RUnlock()

	for _, sess := range targets {
		if !sess.trySend(event) {
			h.logger.Debug("dropped event for slow session",
				"room", room,
				"session_id", sess.ID,
				"event", event.Type)
		}
	}
}

// PublishToUsers sends an event to the personal room of each listed user,
// skipping excludeUserID
func (h *Hub) PublishToUsers(userIDs []string, event *ServerEvent, excludeUserID string) {
	for _, userID := range userIDs {
		if userID == excludeUserID {
			continue
		}
		h.Publish(UserRoom(userID), event, "")
	}
}

// BroadcastAll sends an event to every connected session except the
// excluded one. Used for presence, which is deliberately not scoped to
// shared conversations.
func (h *Hub) BroadcastAll(event *ServerEvent, excludeSessionID string) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for id, sess := range h.sessions {
		if excludeSessionID != "" && id == excludeSessionID {
			continue
		}
		targets = append(targets, sess)
	}
	h.mu.RUnlock()

	for _, sess := range targets {
		if !sess.trySend(event) {
			h.logger.Debug("dropped broadcast for slow session",
				"session_id", sess.ID,
				"event", event.Type)
		}
	}
}

// OfflineUsers filters the given user ids down to those with no connected
// session. Exposed as the hook for an external push-notification
// collaborator; delivery itself is out of scope here.
func (h *Hub) OfflineUsers(userIDs []string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var offline []string
	for _, userID := range userIDs {
		if members, ok := h.rooms[UserRoom(userID)]; !ok || len(members) == 0 {
			offline = append(offline, userID)
		}
	}
	return offline
}

// MessageCreated implements message.Notifier: push the persisted message
// to every other participant's personal room. The store write has already
// completed by the time this runs, so no recipient can observe a message
// that was never persisted.
func (h *Hub) MessageCreated(conv *store.Conversation, msg *store.Message) {
	h.PublishToUsers(conv.ParticipantIDs, newMessageEvent(msg), msg.SenderID)
}

// MessagesRead implements message.Notifier: push a read receipt to every
// other participant's personal room
func (h *Hub) MessagesRead(conv *store.Conversation, readerID string) {
	h.PublishToUsers(conv.ParticipantIDs, messagesReadEvent(conv.ID, readerID), readerID)
}

// Typing relays a transient typing indicator to the conversation's other
// participants. Nothing is persisted and delivery is best-effort.
func (h *Hub) Typing(conv *store.Conversation, userID string, isTyping bool) {
	h.PublishToUsers(conv.ParticipantIDs, typingEvent(conv.ID, userID, isTyping), userID)
}

// Close disconnects every session
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}

	h.logger.Debug("hub closed")
}
