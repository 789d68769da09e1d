// ABOUTME: Wire-level event types for the live connection surface
// ABOUTME: Client events map to service calls; server events are fan-out payloads

package realtime

import (
	"errors"
	"time"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/message"
	"github.com/parleyhq/parley/internal/store"
)

// Client event types
const (
	ClientAuthenticate      = "authenticate"
	ClientJoinConversation  = "join_conversation"
	ClientLeaveConversation = "leave_conversation"
	ClientSendMessage       = "send_message"
	ClientTyping            = "typing"
	ClientMarkRead          = "mark_read"
	ClientSetOnlineStatus   = "set_online_status"
)

// Server event types
const (
	ServerNewMessage   = "new_message"
	ServerMessageSent  = "message_sent"
	ServerTyping       = "typing"
	ServerMessagesRead = "messages_read"
	ServerUserStatus   = "user_status"
	ServerError        = "error"
)

// ClientEvent is a message from a connected client
type ClientEvent struct {
	Type           string            `json:"type"`
	Token          string            `json:"token,omitempty"` // handshake only
	ConversationID string            `json:"conversation_id,omitempty"`
	ClientMsgID    string            `json:"client_msg_id,omitempty"`
	Content        string            `json:"content,omitempty"`
	Media          []store.MediaItem `json:"media,omitempty"`
	ReplyToID      string            `json:"reply_to_id,omitempty"`
	MessageType    string            `json:"message_type,omitempty"`
	IsTyping       bool              `json:"is_typing,omitempty"`
	IsOnline       bool              `json:"is_online,omitempty"`
}

// MessagePayload is the JSON shape of a message pushed to clients
type MessagePayload struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	Content        string            `json:"content,omitempty"`
	Media          []store.MediaItem `json:"media,omitempty"`
	ReplyToID      string            `json:"reply_to_id,omitempty"`
	Type           string            `json:"type"`
	Status         string            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ServerEvent is a message pushed to connected clients
type ServerEvent struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ClientMsgID    string          `json:"client_msg_id,omitempty"` // echoed on acks
	Message        *MessagePayload `json:"message,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	IsTyping       bool            `json:"is_typing,omitempty"`
	IsOnline       bool            `json:"is_online,omitempty"`
	Code           string          `json:"code,omitempty"`
	Error          string          `json:"error,omitempty"`
}

func messagePayload(msg *store.Message) *MessagePayload {
	return &MessagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Media:          msg.Media,
		ReplyToID:      msg.ReplyToID,
		Type:           string(msg.Type),
		Status:         string(msg.Status),
		CreatedAt:      msg.CreatedAt,
	}
}

func newMessageEvent(msg *store.Message) *ServerEvent {
	return &ServerEvent{
		Type:           ServerNewMessage,
		ConversationID: msg.ConversationID,
		Message:        messagePayload(msg),
	}
}

func messageSentEvent(msg *store.Message, clientMsgID string) *ServerEvent {
	return &ServerEvent{
		Type:           ServerMessageSent,
		ConversationID: msg.ConversationID,
		ClientMsgID:    clientMsgID,
		Message:        messagePayload(msg),
	}
}

func typingEvent(conversationID, userID string, isTyping bool) *ServerEvent {
	return &ServerEvent{
		Type:           ServerTyping,
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	}
}

func messagesReadEvent(conversationID, readerID string) *ServerEvent {
	return &ServerEvent{
		Type:           ServerMessagesRead,
		ConversationID: conversationID,
		UserID:         readerID,
	}
}

func userStatusEvent(userID string, isOnline bool) *ServerEvent {
	return &ServerEvent{
		Type:     ServerUserStatus,
		UserID:   userID,
		IsOnline: isOnline,
	}
}

func errorEvent(code, msg string) *ServerEvent {
	return &ServerEvent{
		Type:  ServerError,
		Code:  code,
		Error: msg,
	}
}

// errorCode maps service errors to the scoped error codes clients see
func errorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, conversation.ErrForbidden):
		return "forbidden"
	case errors.Is(err, conversation.ErrInvalidParticipants):
		return "invalid_participants"
	case errors.Is(err, message.ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, store.ErrUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}
