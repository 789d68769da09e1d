// ABOUTME: Per-connection session: handshake, event dispatch, read/write loops
// ABOUTME: State machine is connecting -> authenticated -> disconnected (terminal)

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/dedupe"
	"github.com/parleyhq/parley/internal/message"
	"github.com/parleyhq/parley/internal/store"
)

const (
	authTimeout = 10 * time.Second
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10

	// opTimeout bounds each store-touching operation dispatched from the
	// read loop; callers get a retryable error instead of a stalled
	// connection
	opTimeout = 10 * time.Second
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthenticated
	stateDisconnected
)

// MessageSender is the slice of the message service a session dispatches to
type MessageSender interface {
	Send(ctx context.Context, req *message.SendRequest) (*store.Message, error)
	MarkRead(ctx context.Context, conversationID, userID string) error
}

// ConversationFinder resolves a conversation for a viewing participant
type ConversationFinder interface {
	GetForUser(ctx context.Context, conversationID, userID string) (*conversation.View, error)
}

// ConversationLister lists the conversations a user belongs to, for room
// joining on connect
type ConversationLister interface {
	ListUserConversationIDs(ctx context.Context, userID string) ([]string, error)
}

// Deps are the collaborators a session needs. Dedupe is optional; when
// set, send_message frames carrying a client_msg_id are deduplicated so a
// client retrying after reconnect does not create the message twice.
type Deps struct {
	Hub           *Hub
	Messages      MessageSender
	Conversations ConversationFinder
	Lister        ConversationLister
	Verifier      auth.TokenVerifier
	Dedupe        *dedupe.Cache
	Logger        *slog.Logger
}

// Session is one live connection. A user may hold several sessions at
// once; each joins the user's personal room so fan-out reaches all of
// them.
type Session struct {
	ID     string
	UserID string

	conn *websocket.Conn
	deps Deps

	send      chan *ServerEvent
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	state sessionState

	logger *slog.Logger
}

// NewSession wraps an accepted websocket connection. Run must be called to
// start the handshake.
func NewSession(conn *websocket.Conn, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &Session{
		ID:     id,
		conn:   conn,
		deps:   deps,
		send:   make(chan *ServerEvent, sessionBufferSize),
		done:   make(chan struct{}),
		state:  stateConnecting,
		logger: logger.With("component", "session", "session_id", id),
	}
}

// Run performs the identity handshake and then serves events until the
// connection drops or ctx is cancelled. It blocks for the lifetime of the
// connection.
func (s *Session) Run(ctx context.Context) {
	defer s.disconnect()

	if !s.handshake() {
		return
	}

	s.logger.Debug("session authenticated", "user_id", s.UserID)

	s.deps.Hub.Register(s)
	s.deps.Hub.Join(UserRoom(s.UserID), s)
	s.joinConversationRooms(ctx)

	go s.writeLoop()
	s.readLoop(ctx)
}

// handshake reads the first frame, which must carry the credential. An
// unresolvable identity fails the connection; no further events are
// accepted.
func (s *Session) handshake() bool {
	s.conn.SetReadDeadline(time.Now().Add(authTimeout))

	var ev ClientEvent
	if err := s.conn.ReadJSON(&ev); err != nil {
		s.logger.Debug("handshake read failed", "error", err)
		return false
	}
	if ev.Type != ClientAuthenticate {
		s.writeDirect(errorEvent("unauthenticated", "first event must be authenticate"))
		return false
	}

	userID, err := s.deps.Verifier.Verify(ev.Token)
	if err != nil {
		s.logger.Debug("identity resolution failed", "error", err)
		s.writeDirect(errorEvent("unauthenticated", "could not resolve identity"))
		return false
	}

	s.UserID = userID
	s.setState(stateAuthenticated)
	return true
}

// joinConversationRooms joins one room per conversation the user belongs to
func (s *Session) joinConversationRooms(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ids, err := s.deps.Lister.ListUserConversationIDs(opCtx, s.UserID)
	if err != nil {
		s.logger.Warn("failed to list conversations for room join", "error", err)
		return
	}
	for _, id := range ids {
		s.deps.Hub.Join(ConversationRoom(id), s)
	}
}

func (s *Session) readLoop(ctx context.Context) {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("unexpected close", "error", err)
			}
			return
		}

		var ev ClientEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.trySend(errorEvent("bad_event", "malformed event"))
			continue
		}

		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		s.handleEvent(opCtx, &ev)
		cancel()
	}
}

// handleEvent dispatches a single client event. Failures are emitted as
// scoped error events back to this session only; they never drop the
// connection.
func (s *Session) handleEvent(ctx context.Context, ev *ClientEvent) {
	switch ev.Type {
	case ClientJoinConversation:
		// Silent no-op for non-members: the room's existence is not
		// exposed to outsiders
		if _, err := s.deps.Conversations.GetForUser(ctx, ev.ConversationID, s.UserID); err != nil {
			return
		}
		s.deps.Hub.Join(ConversationRoom(ev.ConversationID), s)

	case ClientLeaveConversation:
		s.deps.Hub.Leave(ConversationRoom(ev.ConversationID), s)

	case ClientSendMessage:
		if s.deps.Dedupe != nil && ev.ClientMsgID != "" {
			if s.deps.Dedupe.SeenOrMark(s.UserID, ev.ClientMsgID) {
				// Retry of an already-accepted frame; the original ack
				// either arrived or the client will resync over HTTP
				return
			}
		}
		msg, err := s.deps.Messages.Send(ctx, &message.SendRequest{
			ConversationID: ev.ConversationID,
			SenderID:       s.UserID,
			Content:        ev.Content,
			Media:          ev.Media,
			ReplyToID:      ev.ReplyToID,
			Type:           store.MessageType(ev.MessageType),
		})
		if err != nil {
			// Release the mark so the same frame can be retried after a
			// transient failure; nothing was persisted
			if s.deps.Dedupe != nil && ev.ClientMsgID != "" {
				s.deps.Dedupe.Forget(s.UserID, ev.ClientMsgID)
			}
			s.sendError(err)
			return
		}
		// Other participants are reached through the hub's notifier
		// path; the sender gets a scoped acknowledgement with the
		// persisted message
		s.trySend(messageSentEvent(msg, ev.ClientMsgID))

	case ClientTyping:
		view, err := s.deps.Conversations.GetForUser(ctx, ev.ConversationID, s.UserID)
		if err != nil {
			s.sendError(err)
			return
		}
		// Fire-and-forget: no persistence, no delivery guarantee
		s.deps.Hub.PublishToUsers(view.ParticipantIDs, typingEvent(ev.ConversationID, s.UserID, ev.IsTyping), s.UserID)

	case ClientMarkRead:
		if err := s.deps.Messages.MarkRead(ctx, ev.ConversationID, s.UserID); err != nil {
			s.sendError(err)
		}

	case ClientSetOnlineStatus:
		s.deps.Hub.BroadcastAll(userStatusEvent(s.UserID, ev.IsOnline), s.ID)

	default:
		s.trySend(errorEvent("bad_event", "unknown event type "+ev.Type))
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.logger.Debug("write failed", "error", err)
				s.close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// trySend enqueues an event without blocking. Returns false if the buffer
// is full or the session is closing; the event is dropped in either case.
func (s *Session) trySend(ev *ServerEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- ev:
		return true
	default:
		return false
	}
}

// sendError emits a scoped error event for a failed operation
func (s *Session) sendError(err error) {
	code := errorCode(err)
	msg := err.Error()
	if code == "internal" || errors.Is(err, store.ErrUnavailable) {
		msg = "temporary failure, retry"
	}
	s.trySend(errorEvent(code, msg))
}

// writeDirect writes an event synchronously, bypassing the send channel.
// Only used before the write loop starts (handshake failures).
func (s *Session) writeDirect(ev *ServerEvent) {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(ev); err != nil {
		s.logger.Debug("direct write failed", "error", err)
	}
}

func (s *Session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// disconnect moves the session to its terminal state, deregisters it and
// broadcasts presence-offline
func (s *Session) disconnect() {
	wasAuthenticated := s.currentState() == stateAuthenticated
	s.setState(stateDisconnected)
	s.close()

	if wasAuthenticated {
		s.deps.Hub.Deregister(s)
		s.deps.Hub.BroadcastAll(userStatusEvent(s.UserID, false), s.ID)
		s.logger.Debug("session disconnected", "user_id", s.UserID)
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}
