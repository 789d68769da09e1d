// ABOUTME: HTTP API handlers for the synchronous request surface
// ABOUTME: Conversation endpoints, auth middleware and the paginated envelope

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/dedupe"
	"github.com/parleyhq/parley/internal/message"
	"github.com/parleyhq/parley/internal/realtime"
	"github.com/parleyhq/parley/internal/store"
)

// API exposes the synchronous request surface over HTTP
type API struct {
	conversations *conversation.Service
	messages      *message.Service
	hub           *realtime.Hub
	lister        realtime.ConversationLister
	verifier      auth.TokenVerifier
	dedupe        *dedupe.Cache
	convLimit     int
	msgLimit      int
	logger        *slog.Logger
}

// New creates the API. convLimit and msgLimit are the default page sizes;
// dedupeCache may be nil to disable websocket send deduplication.
func New(conversations *conversation.Service, messages *message.Service, hub *realtime.Hub, lister realtime.ConversationLister, verifier auth.TokenVerifier, dedupeCache *dedupe.Cache, convLimit, msgLimit int, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		conversations: conversations,
		messages:      messages,
		hub:           hub,
		lister:        lister,
		verifier:      verifier,
		dedupe:        dedupeCache,
		convLimit:     convLimit,
		msgLimit:      msgLimit,
		logger:        logger.With("component", "api"),
	}
}

// Register attaches all routes to the mux
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/conversations", a.withUser(a.handleListConversations))
	mux.HandleFunc("POST /api/conversations", a.withUser(a.handleCreateConversation))
	mux.HandleFunc("GET /api/conversations/{id}", a.withUser(a.handleGetConversation))
	mux.HandleFunc("PATCH /api/conversations/{id}/settings", a.withUser(a.handleUpdateSettings))
	mux.HandleFunc("POST /api/conversations/{id}/members", a.withUser(a.handleAddMembers))
	mux.HandleFunc("DELETE /api/conversations/{id}/members/{userID}", a.withUser(a.handleRemoveMember))
	mux.HandleFunc("POST /api/conversations/{id}/leave", a.withUser(a.handleLeaveGroup))
	mux.HandleFunc("GET /api/conversations/{id}/messages", a.withUser(a.handleListMessages))
	mux.HandleFunc("POST /api/conversations/{id}/messages", a.withUser(a.handleSendMessage))
	mux.HandleFunc("DELETE /api/conversations/{id}/messages/{messageID}", a.withUser(a.handleDeleteMessage))
	mux.HandleFunc("POST /api/conversations/{id}/read", a.withUser(a.handleMarkRead))
	mux.HandleFunc("POST /api/conversations/{id}/typing", a.withUser(a.handleTyping))
	mux.HandleFunc("GET /ws", a.handleWebsocket)
}

// withUser resolves the caller's identity from the Authorization header
// before invoking the handler. The resolved user id is trusted verbatim.
func (a *API) withUser(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody("unauthenticated", "missing bearer token"))
			return
		}
		userID, err := a.verifier.Verify(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody("unauthenticated", "could not resolve identity"))
			return
		}
		next(w, r, userID)
	}
}

// PageMeta is the pagination metadata block of list responses
type PageMeta struct {
	Total      int  `json:"total"`
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

// Envelope is the paginated response wrapper
type Envelope struct {
	Data interface{} `json:"data"`
	Meta PageMeta    `json:"meta"`
}

func pageMeta(total, page, limit int) PageMeta {
	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return PageMeta{
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1 && total > 0,
	}
}

// SettingsResponse is the caller's own membership settings block
type SettingsResponse struct {
	UnreadCount int        `json:"unread_count"`
	IsMuted     bool       `json:"is_muted"`
	MutedUntil  *time.Time `json:"muted_until,omitempty"`
	IsPinned    bool       `json:"is_pinned"`
	IsArchived  bool       `json:"is_archived"`
	Nickname    string     `json:"nickname,omitempty"`
}

// ConversationResponse is the JSON shape of a conversation
type ConversationResponse struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Name           string            `json:"name,omitempty"`
	Avatar         string            `json:"avatar,omitempty"`
	ParticipantIDs []string          `json:"participant_ids"`
	AdminIDs       []string          `json:"admin_ids,omitempty"`
	LastMessageID  string            `json:"last_message_id,omitempty"`
	LastMessageAt  *time.Time        `json:"last_message_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	Settings       *SettingsResponse `json:"settings,omitempty"`
}

func conversationResponse(conv *store.Conversation, settings *store.MembershipSettings) *ConversationResponse {
	resp := &ConversationResponse{
		ID:             conv.ID,
		Type:           string(conv.Type),
		Name:           conv.Name,
		Avatar:         conv.Avatar,
		ParticipantIDs: conv.ParticipantIDs,
		AdminIDs:       conv.AdminIDs,
		LastMessageID:  conv.LastMessageID,
		CreatedAt:      conv.CreatedAt,
	}
	if !conv.LastMessageAt.IsZero() {
		t := conv.LastMessageAt
		resp.LastMessageAt = &t
	}
	if settings != nil {
		resp.Settings = &SettingsResponse{
			UnreadCount: settings.UnreadCount,
			IsMuted:     settings.IsMuted,
			MutedUntil:  settings.MutedUntil,
			IsPinned:    settings.IsPinned,
			IsArchived:  settings.IsArchived,
			Nickname:    settings.Nickname,
		}
	}
	return resp
}

// CreateConversationRequest is the JSON request body for POST /api/conversations
type CreateConversationRequest struct {
	Type           string   `json:"type"`
	Name           string   `json:"name,omitempty"`
	ParticipantIDs []string `json:"participant_ids"`
}

func (a *API) handleListConversations(w http.ResponseWriter, r *http.Request, userID string) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", a.convLimit)

	views, total, err := a.conversations.ListForUser(r.Context(), userID, page, limit)
	if err != nil {
		a.writeError(w, err)
		return
	}

	data := make([]*ConversationResponse, 0, len(views))
	for _, v := range views {
		data = append(data, conversationResponse(v.Conversation, v.Settings))
	}
	writeJSON(w, http.StatusOK, Envelope{Data: data, Meta: pageMeta(total, page, limit)})
}

func (a *API) handleCreateConversation(w http.ResponseWriter, r *http.Request, userID string) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "malformed JSON body"))
		return
	}

	conv, err := a.conversations.CreateOrReuse(r.Context(), userID, req.ParticipantIDs, store.ConversationType(req.Type), req.Name)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conversationResponse(conv, nil))
}

func (a *API) handleGetConversation(w http.ResponseWriter, r *http.Request, userID string) {
	view, err := a.conversations.GetForUser(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse(view.Conversation, view.Settings))
}

// UpdateSettingsRequest is the JSON request body for PATCH .../settings
type UpdateSettingsRequest struct {
	IsMuted    *bool      `json:"is_muted,omitempty"`
	MutedUntil *time.Time `json:"muted_until,omitempty"`
	IsPinned   *bool      `json:"is_pinned,omitempty"`
	IsArchived *bool      `json:"is_archived,omitempty"`
	Nickname   *string    `json:"nickname,omitempty"`
}

func (a *API) handleUpdateSettings(w http.ResponseWriter, r *http.Request, userID string) {
	var req UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "malformed JSON body"))
		return
	}

	patch := store.SettingsPatch{
		IsMuted:    req.IsMuted,
		MutedUntil: req.MutedUntil,
		IsPinned:   req.IsPinned,
		IsArchived: req.IsArchived,
		Nickname:   req.Nickname,
	}
	if err := a.conversations.UpdateSettings(r.Context(), r.PathValue("id"), userID, patch); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MembersRequest is the JSON request body for POST .../members
type MembersRequest struct {
	MemberIDs []string `json:"member_ids"`
}

func (a *API) handleAddMembers(w http.ResponseWriter, r *http.Request, userID string) {
	var req MembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "malformed JSON body"))
		return
	}
	if len(req.MemberIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "member_ids is required"))
		return
	}

	if err := a.conversations.AddMembers(r.Context(), r.PathValue("id"), userID, req.MemberIDs); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRemoveMember(w http.ResponseWriter, r *http.Request, userID string) {
	if err := a.conversations.RemoveMember(r.Context(), r.PathValue("id"), userID, r.PathValue("userID")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLeaveGroup(w http.ResponseWriter, r *http.Request, userID string) {
	if err := a.conversations.LeaveGroup(r.Context(), r.PathValue("id"), userID); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps service errors to HTTP status codes
func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not_found", "not found"))
	case errors.Is(err, conversation.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody("forbidden", err.Error()))
	case errors.Is(err, conversation.ErrInvalidParticipants):
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_participants", err.Error()))
	case errors.Is(err, message.ErrInvalidMessage):
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_message", err.Error()))
	case errors.Is(err, store.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody("store_unavailable", "temporary failure, retry"))
	default:
		a.logger.Error("unhandled API error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal", "internal error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func errorBody(code, msg string) map[string]string {
	return map[string]string{"code": code, "error": msg}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
