// ABOUTME: Message endpoints, typing relay and the websocket upgrade
// ABOUTME: Cursor-paginated history plus send, delete and read receipts

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/message"
	"github.com/parleyhq/parley/internal/realtime"
	"github.com/parleyhq/parley/internal/store"
)

// MessageResponse is the JSON shape of a message
type MessageResponse struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	Content        string            `json:"content,omitempty"`
	Media          []store.MediaItem `json:"media,omitempty"`
	ReplyToID      string            `json:"reply_to_id,omitempty"`
	Type           string            `json:"type"`
	Status         string            `json:"status"`
	ReadBy         []string          `json:"read_by"`
	CreatedAt      time.Time         `json:"created_at"`
}

func messageResponse(msg *store.Message) *MessageResponse {
	return &MessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Media:          msg.Media,
		ReplyToID:      msg.ReplyToID,
		Type:           string(msg.Type),
		Status:         string(msg.Status),
		ReadBy:         msg.ReadBy,
		CreatedAt:      msg.CreatedAt,
	}
}

// MessagePage is the cursor-paginated history response
type MessagePage struct {
	Data    []*MessageResponse `json:"data"`
	HasMore bool               `json:"has_more"`
	Oldest  *time.Time         `json:"oldest,omitempty"`
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request, userID string) {
	limit := queryInt(r, "limit", a.msgLimit)

	var before *time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "before must be RFC 3339"))
			return
		}
		before = &t
	}

	page, err := a.messages.List(r.Context(), r.PathValue("id"), userID, limit, before)
	if err != nil {
		a.writeError(w, err)
		return
	}

	resp := MessagePage{
		Data:    make([]*MessageResponse, 0, len(page.Messages)),
		HasMore: page.HasMore,
	}
	for _, msg := range page.Messages {
		resp.Data = append(resp.Data, messageResponse(msg))
	}
	if !page.Oldest.IsZero() {
		t := page.Oldest
		resp.Oldest = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

// SendMessageRequest is the JSON request body for POST .../messages
type SendMessageRequest struct {
	Content   string            `json:"content,omitempty"`
	Media     []store.MediaItem `json:"media,omitempty"`
	ReplyToID string            `json:"reply_to_id,omitempty"`
	Type      string            `json:"type,omitempty"`
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "malformed JSON body"))
		return
	}

	msg, err := a.messages.Send(r.Context(), &message.SendRequest{
		ConversationID: r.PathValue("id"),
		SenderID:       userID,
		Content:        req.Content,
		Media:          req.Media,
		ReplyToID:      req.ReplyToID,
		Type:           store.MessageType(req.Type),
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse(msg))
}

func (a *API) handleDeleteMessage(w http.ResponseWriter, r *http.Request, userID string) {
	if err := a.messages.Delete(r.Context(), r.PathValue("id"), r.PathValue("messageID"), userID); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request, userID string) {
	if err := a.messages.MarkRead(r.Context(), r.PathValue("id"), userID); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TypingRequest is the JSON request body for POST .../typing
type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

func (a *API) handleTyping(w http.ResponseWriter, r *http.Request, userID string) {
	var req TypingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "malformed JSON body"))
		return
	}

	view, err := a.conversations.GetForUser(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.hub.Typing(view.Conversation, userID, req.IsTyping)
	w.WriteHeader(http.StatusAccepted)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checks are delegated to the deployment's reverse proxy;
	// the session still requires a valid token before any traffic flows
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebsocket upgrades the connection and hands it to a realtime
// session. Authentication happens in-band as the session's first frame.
func (a *API) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	sess := realtime.NewSession(conn, realtime.Deps{
		Hub:           a.hub,
		Messages:      a.messages,
		Conversations: a.conversations,
		Lister:        a.lister,
		Verifier:      a.verifier,
		Dedupe:        a.dedupe,
		Logger:        a.logger,
	})
	sess.Run(r.Context())
}
