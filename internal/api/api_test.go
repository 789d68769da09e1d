// ABOUTME: HTTP API tests over real services and a temp-file SQLite store
// ABOUTME: Covers auth, error mapping, envelopes and the websocket round trip

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/message"
	"github.com/parleyhq/parley/internal/realtime"
	"github.com/parleyhq/parley/internal/store"
)

type testEnv struct {
	mux      *http.ServeMux
	verifier *auth.JWTVerifier
	store    *store.SQLiteStore
	hub      *realtime.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	verifier, err := auth.NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	hub := realtime.NewHub(nil)
	convSvc := conversation.New(st, nil)
	msgSvc := message.New(st, convSvc, hub, nil)

	mux := http.NewServeMux()
	New(convSvc, msgSvc, hub, st, verifier, nil, 20, 50, nil).Register(mux)

	return &testEnv{mux: mux, verifier: verifier, store: st, hub: hub}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.verifier.Generate(userID, time.Hour)
	require.NoError(t, err)
	return token
}

// do performs a request as the given user and decodes the JSON response
// into out when out is non-nil
func (e *testEnv) do(t *testing.T, userID, method, path string, body interface{}, out interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec
}

func (e *testEnv) createGroup(t *testing.T, admin string, others ...string) string {
	t.Helper()
	var resp ConversationResponse
	rec := e.do(t, admin, http.MethodPost, "/api/conversations", CreateConversationRequest{
		Type:           "GROUP",
		Name:           "test group",
		ParticipantIDs: others,
	}, &resp)
	require.Equal(t, http.StatusCreated, rec.Code)
	return resp.ID
}

func errorCodeOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["code"]
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", errorCodeOf(t, rec))
}

func TestCreateConversation(t *testing.T) {
	env := newTestEnv(t)

	var resp ConversationResponse
	rec := env.do(t, "alice", http.MethodPost, "/api/conversations", CreateConversationRequest{
		Type:           "PRIVATE",
		ParticipantIDs: []string{"bob"},
	}, &resp)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "PRIVATE", resp.Type)
	assert.ElementsMatch(t, []string{"alice", "bob"}, resp.ParticipantIDs)

	// The same pair resolves to the same conversation
	var again ConversationResponse
	rec = env.do(t, "bob", http.MethodPost, "/api/conversations", CreateConversationRequest{
		Type:           "PRIVATE",
		ParticipantIDs: []string{"alice"},
	}, &again)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, resp.ID, again.ID)
}

func TestCreateConversation_Invalid(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "alice", http.MethodPost, "/api/conversations", CreateConversationRequest{
		Type:           "PRIVATE",
		ParticipantIDs: []string{"bob", "carol"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_participants", errorCodeOf(t, rec))

	req := httptest.NewRequest(http.MethodPost, "/api/conversations", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+env.token(t, "alice"))
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetConversation(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createGroup(t, "alice", "bob")

	var resp ConversationResponse
	rec := env.do(t, "alice", http.MethodGet, "/api/conversations/"+convID, nil, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, convID, resp.ID)
	require.NotNil(t, resp.Settings)
	assert.Equal(t, 0, resp.Settings.UnreadCount)

	// Non-members get the same 404 as a missing conversation
	rec = env.do(t, "mallory", http.MethodGet, "/api/conversations/"+convID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, "alice", http.MethodGet, "/api/conversations/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListConversations(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.createGroup(t, "alice", fmt.Sprintf("friend-%d", i))
	}

	var envelope struct {
		Data []*ConversationResponse `json:"data"`
		Meta PageMeta                `json:"meta"`
	}
	rec := env.do(t, "alice", http.MethodGet, "/api/conversations?page=1&limit=2", nil, &envelope)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, envelope.Data, 2)
	assert.Equal(t, 3, envelope.Meta.Total)
	assert.Equal(t, 2, envelope.Meta.TotalPages)
	assert.True(t, envelope.Meta.HasNext)
	assert.False(t, envelope.Meta.HasPrev)

	rec = env.do(t, "alice", http.MethodGet, "/api/conversations?page=2&limit=2", nil, &envelope)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, envelope.Data, 1)
	assert.False(t, envelope.Meta.HasNext)
	assert.True(t, envelope.Meta.HasPrev)
}

func TestUpdateSettings(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createGroup(t, "alice", "bob")

	pinned := true
	rec := env.do(t, "alice", http.MethodPatch, "/api/conversations/"+convID+"/settings", UpdateSettingsRequest{
		IsPinned: &pinned,
	}, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	var resp ConversationResponse
	env.do(t, "alice", http.MethodGet, "/api/conversations/"+convID, nil, &resp)
	require.NotNil(t, resp.Settings)
	assert.True(t, resp.Settings.IsPinned)

	rec = env.do(t, "mallory", http.MethodPatch, "/api/conversations/"+convID+"/settings", UpdateSettingsRequest{
		IsPinned: &pinned,
	}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMembers(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createGroup(t, "alice", "bob")

	rec := env.do(t, "alice", http.MethodPost, "/api/conversations/"+convID+"/members", MembersRequest{
		MemberIDs: []string{"carol"},
	}, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Non-admin members cannot manage membership
	rec = env.do(t, "bob", http.MethodPost, "/api/conversations/"+convID+"/members", MembersRequest{
		MemberIDs: []string{"dave"},
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", errorCodeOf(t, rec))

	rec = env.do(t, "alice", http.MethodDelete, "/api/conversations/"+convID+"/members/carol", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	var resp ConversationResponse
	env.do(t, "alice", http.MethodGet, "/api/conversations/"+convID, nil, &resp)
	assert.NotContains(t, resp.ParticipantIDs, "carol")
}

func TestLeaveGroup(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createGroup(t, "alice", "bob")

	rec := env.do(t, "bob", http.MethodPost, "/api/conversations/"+convID+"/leave", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, "bob", http.MethodGet, "/api/conversations/"+convID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendAndListMessages(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createGroup(t, "alice", "bob")

	var sent MessageResponse
	rec := env.do(t, "alice", http.MethodPost, "/api/conversations/"+convID+"/messages", SendMessageRequest{
		Content: "hello bob",
	}, &sent)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, sent.ID)
	assert.Equal(t, "TEXT", sent.Type)

	var page MessagePage
	rec = env.do(t, "bob", http.MethodGet, "/api/conversations/"+convID+"/messages", nil, &page)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "hello bob", page.Data[0].Content)
	assert.False(t, page.HasMore)
	require.NotNil(t, page.Oldest)

	// The cursor excludes everything at or after the oldest timestamp
	before := page.Oldest.Format(time.RFC3339Nano)
	rec = env.do(t, "bob", http.MethodGet, "/api/conversations/"+convID+"/messages?before="+before, nil, &page)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, page.Data)

	rec = env.do(t, "bob", http.MethodGet, "/api/conversations/"+convID+"/messages?before=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessage_Invalid(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createGroup(t, "alice", "bob")

	rec := env.do(t, "alice", http.MethodPost, "/api/conversations/"+convID+"/messages", SendMessageRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_message", errorCodeOf(t, rec))

	rec = env.do(t, "mallory", http.MethodPost, "/api/conversations/"+convID+"/messages", SendMessageRequest{
		Content: "hi",
	}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteMessage(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createGroup(t, "alice", "bob")

	var sent MessageResponse
	env.do(t, "alice", http.MethodPost, "/api/conversations/"+convID+"/messages", SendMessageRequest{Content: "oops"}, &sent)

	rec := env.do(t, "alice", http.MethodDelete, "/api/conversations/"+convID+"/messages/"+sent.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, "alice", http.MethodDelete, "/api/conversations/"+convID+"/messages/"+sent.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createGroup(t, "alice", "bob")
	env.do(t, "alice", http.MethodPost, "/api/conversations/"+convID+"/messages", SendMessageRequest{Content: "hi"}, nil)

	var resp ConversationResponse
	env.do(t, "bob", http.MethodGet, "/api/conversations/"+convID, nil, &resp)
	require.NotNil(t, resp.Settings)
	assert.Equal(t, 1, resp.Settings.UnreadCount)

	rec := env.do(t, "bob", http.MethodPost, "/api/conversations/"+convID+"/read", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	env.do(t, "bob", http.MethodGet, "/api/conversations/"+convID, nil, &resp)
	assert.Equal(t, 0, resp.Settings.UnreadCount)
}

func TestTyping(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createGroup(t, "alice", "bob")

	rec := env.do(t, "alice", http.MethodPost, "/api/conversations/"+convID+"/typing", TypingRequest{IsTyping: true}, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, "mallory", http.MethodPost, "/api/conversations/"+convID+"/typing", TypingRequest{IsTyping: true}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebsocket_SendRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createGroup(t, "alice", "bob")

	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// In-band handshake, then a send with a client id for the ack
	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":  "authenticate",
		"token": env.token(t, "alice"),
	}))
	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":            "send_message",
		"conversation_id": convID,
		"content":         "over the wire",
		"client_msg_id":   "client-1",
	}))

	var ack realtime.ServerEvent
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, realtime.ServerMessageSent, ack.Type)
	assert.Equal(t, "client-1", ack.ClientMsgID)
	require.NotNil(t, ack.Message)
	assert.Equal(t, "over the wire", ack.Message.Content)

	// The message is durable, not just echoed
	var page MessagePage
	rec := env.do(t, "bob", http.MethodGet, "/api/conversations/"+convID+"/messages", nil, &page)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, page.Data, 1)
	assert.Equal(t, ack.Message.ID, page.Data[0].ID)
}

func TestWebsocket_BadToken(t *testing.T) {
	env := newTestEnv(t)

	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":  "authenticate",
		"token": "bogus",
	}))

	var ev realtime.ServerEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, realtime.ServerError, ev.Type)
	assert.Equal(t, "unauthenticated", ev.Code)
}
