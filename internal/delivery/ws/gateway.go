package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mmuslimabdulj/shipper-chat/internal/domain"
	"github.com/mmuslimabdulj/shipper-chat/internal/store"
)

// Store is the persistence collaborator as consumed by the gateway. The
// realtime core treats it as the sole source of truth: membership and message
// ownership are re-checked here on every event, never cached across events.
type Store interface {
	IsParticipant(ctx context.Context, userID, sessionID string) (bool, error)
	SessionType(ctx context.Context, sessionID string) (domain.SessionType, error)
	CreateMessage(ctx context.Context, sessionID, senderID string, role domain.Role, content string) (*domain.Message, error)
	MessageMeta(ctx context.Context, messageID string) (*store.MessageMeta, error)
	DeleteMessage(ctx context.Context, messageID string) error
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) error
	ReactionSummary(ctx context.Context, messageID string) ([]domain.ReactionCount, error)
	FilterSessionMessageIDs(ctx context.Context, sessionID string, ids []string) ([]string, error)
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]domain.ChatTurn, error)
	EnsureAssistantUser(ctx context.Context) (*domain.User, error)
	MarkRead(ctx context.Context, userID, sessionID string) error
}

// Replier streams assistant replies; the gateway only sees deltas and a final
// text.
type Replier interface {
	StreamReply(ctx context.Context, turns []domain.ChatTurn, onDelta func(delta, full string)) (string, error)
}

// Gateway drives every live connection: it owns the presence registry, the
// room table and the server-wide connection table, and dispatches inbound
// events to their handlers.
type Gateway struct {
	presence *Presence
	rooms    *Rooms
	store    Store
	replier  Replier
	log      *slog.Logger

	maxMessageSize int
	historyWindow  int

	mu    sync.RWMutex
	conns map[string]*Client
}

// NewGateway wires the realtime core together.
func NewGateway(st Store, replier Replier, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		presence:       NewPresence(),
		rooms:          NewRooms(),
		store:          st,
		replier:        replier,
		log:            logger,
		maxMessageSize: domain.MaxMessageSize,
		historyWindow:  domain.AIHistoryWindow,
		conns:          make(map[string]*Client),
	}
}

// Presence exposes the registry for the snapshot endpoint.
func (g *Gateway) Presence() *Presence {
	return g.presence
}

// HandleConnect registers an authenticated connection. The user's first
// connection triggers a server-wide online broadcast.
func (g *Gateway) HandleConnect(c *Client) {
	g.mu.Lock()
	g.conns[c.ID] = c
	g.mu.Unlock()

	if g.presence.Register(c.Identity.UserID, c.Identity.Email, c.ID) {
		g.broadcastAll(EventUserOnline, UserOnlineEvent{UserID: c.Identity.UserID, Email: c.Identity.Email})
	}
}

// HandleDisconnect deregisters a connection and drops its room memberships.
// The user's last connection triggers a server-wide offline broadcast. Safe
// against double invocation.
func (g *Gateway) HandleDisconnect(c *Client) {
	g.mu.Lock()
	if _, ok := g.conns[c.ID]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.conns, c.ID)
	g.mu.Unlock()

	g.rooms.DropConn(c.ID)

	if g.presence.Deregister(c.Identity.UserID, c.ID) {
		g.broadcastAll(EventUserOffline, UserOfflineEvent{UserID: c.Identity.UserID})
	}
}

// broadcastAll delivers an event to every connection on the server.
func (g *Gateway) broadcastAll(event string, payload any) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.conns {
		c.Send(data)
	}
}

// Dispatch routes one inbound frame to its handler and resolves the ack. A
// handler can fail however it likes, including panicking; the ack still
// resolves and the connection stays open.
func (g *Gateway) Dispatch(c *Client, f frame) {
	var ack any
	func() {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("event handler panicked", "event", f.Event, "panic", r)
				ack = failureAck(f.Event)
			}
		}()
		ack = g.handle(c, f)
	}()
	c.ack(f.ID, ack)
}

func (g *Gateway) handle(c *Client, f frame) any {
	switch f.Event {
	case EventJoinSession:
		return g.handleJoin(c, f.Data)
	case EventSendMessage:
		return g.handleSend(c, f.Data)
	case EventDeleteMessage:
		return g.handleDelete(c, f.Data)
	case EventReactMessage:
		return g.handleReact(c, f.Data)
	case EventTypingStart, EventTypingStop:
		return g.handleTyping(c, f.Event, f.Data)
	case EventMessagesRead:
		return g.handleRead(c, f.Data)
	default:
		return errorAck{Error: "Unknown event"}
	}
}

// failureAck is the generic ack for a handler that died mid-flight. Boolean
// contracts get false, the rest get their event's failure reason.
func failureAck(event string) any {
	switch event {
	case EventJoinSession, EventTypingStart, EventTypingStop, EventMessagesRead:
		return false
	case EventDeleteMessage:
		return errorAck{Error: errDeleteFailed}
	case EventReactMessage:
		return errorAck{Error: errReactFailed}
	default:
		return errorAck{Error: errSendFailed}
	}
}

// isMember is the point-in-time membership gate in front of every sensitive
// operation. Lookup errors count as non-membership.
func (g *Gateway) isMember(ctx context.Context, userID, sessionID string) bool {
	ok, err := g.store.IsParticipant(ctx, userID, sessionID)
	if err != nil {
		g.log.Error("membership check failed", "sessionId", sessionID, "error", err)
		return false
	}
	return ok
}

// handleJoin subscribes the connection to a session room. Idempotent; a
// second join is a no-op success.
func (g *Gateway) handleJoin(c *Client, data json.RawMessage) any {
	sessionID := decodeSessionID(data)
	if sessionID == "" {
		return false
	}
	if !g.isMember(context.Background(), c.Identity.UserID, sessionID) {
		return false
	}
	g.rooms.Subscribe(sessionID, c)
	return true
}

// handleSend persists and fans out a message, then kicks off the assistant
// flow when the session is AI-typed.
func (g *Gateway) handleSend(c *Client, data json.RawMessage) any {
	var p sendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errorAck{Error: errInvalidPayload}
	}
	content := strings.TrimSpace(p.Content)
	if p.SessionID == "" || content == "" {
		return errorAck{Error: errInvalidPayload}
	}

	ctx := context.Background()
	if !g.isMember(ctx, c.Identity.UserID, p.SessionID) {
		return errorAck{Error: errUnauthorized}
	}

	msg, err := g.store.CreateMessage(ctx, p.SessionID, c.Identity.UserID, domain.RoleUser, content)
	if err != nil {
		g.log.Error("persist message failed", "sessionId", p.SessionID, "error", err)
		return errorAck{Error: errSendFailed}
	}

	g.rooms.Broadcast(p.SessionID, EventReceiveMessage, msg)

	sessionType, err := g.store.SessionType(ctx, p.SessionID)
	if err != nil {
		g.log.Error("session type lookup failed", "sessionId", p.SessionID, "error", err)
	} else if sessionType == domain.SessionAI {
		// Long-running and network-bound; must not block this connection's
		// other events. A disconnect does not abort it: the reply is still
		// persisted and delivered to whoever remains in the room.
		go g.runAssistantReply(p.SessionID)
	}

	return msg
}

// runAssistantReply streams one assistant reply into a session. The start
// event is always eventually followed by a done event: stream failure
// degrades to a fixed fallback reply instead of leaving dangling provisional
// state on clients.
func (g *Gateway) runAssistantReply(sessionID string) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("assistant flow panicked", "sessionId", sessionID, "panic", r)
		}
	}()

	ctx := context.Background()

	aiUser, err := g.store.EnsureAssistantUser(ctx)
	if err != nil {
		g.log.Error("assistant user unavailable", "error", err)
		return
	}

	turns, err := g.store.RecentTurns(ctx, sessionID, g.historyWindow)
	if err != nil {
		g.log.Error("assistant history load failed", "sessionId", sessionID, "error", err)
		turns = nil
	}

	tempID := uuid.New().String()
	g.rooms.Broadcast(sessionID, EventAIMessageStart, AIMessageStartEvent{
		TempID:    tempID,
		SessionID: sessionID,
		Sender:    aiUser.Ref(),
	})

	finalText, err := g.replier.StreamReply(ctx, turns, func(delta, full string) {
		g.rooms.Broadcast(sessionID, EventAIMessageDelta, AIMessageDeltaEvent{
			TempID:    tempID,
			SessionID: sessionID,
			Delta:     delta,
			Content:   full,
		})
	})
	if err != nil {
		g.log.Warn("assistant stream failed", "sessionId", sessionID, "error", err)
		finalText = ""
	}

	content := strings.TrimSpace(finalText)
	if content == "" {
		content = domain.AIFallbackReply
	}

	final, err := g.store.CreateMessage(ctx, sessionID, aiUser.ID, domain.RoleAssistant, content)
	if err != nil {
		// The done event must still close the stream on clients; fall back to
		// an unpersisted record correlated by tempId.
		g.log.Error("persist assistant reply failed", "sessionId", sessionID, "error", err)
		final = &domain.Message{
			ID:        tempID,
			Content:   content,
			Role:      domain.RoleAssistant,
			SenderID:  aiUser.ID,
			SessionID: sessionID,
			Sender:    aiUser.Ref(),
			Reactions: []domain.ReactionCount{},
		}
	}

	g.rooms.Broadcast(sessionID, EventAIMessageDone, AIMessageDoneEvent{
		TempID:    tempID,
		SessionID: sessionID,
		Message:   *final,
	})
	// Duplicate generic delivery so clients that only listen for
	// receive_message still get the reply.
	g.rooms.Broadcast(sessionID, EventReceiveMessage, final)
}

// handleDelete removes the requester's own message. A message outside the
// stated session reads as "Not found" so existence never leaks across
// sessions.
func (g *Gateway) handleDelete(c *Client, data json.RawMessage) any {
	var p deleteMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errorAck{Error: errInvalidPayload}
	}
	if p.SessionID == "" || p.MessageID == "" {
		return errorAck{Error: errInvalidPayload}
	}

	ctx := context.Background()
	if !g.isMember(ctx, c.Identity.UserID, p.SessionID) {
		return errorAck{Error: errUnauthorized}
	}

	meta, err := g.store.MessageMeta(ctx, p.MessageID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && meta.SessionID != p.SessionID) {
		return errorAck{Error: errNotFound}
	}
	if err != nil {
		g.log.Error("message lookup failed", "messageId", p.MessageID, "error", err)
		return errorAck{Error: errDeleteFailed}
	}
	if meta.SenderID != c.Identity.UserID {
		return errorAck{Error: errForbidden}
	}

	if err := g.store.DeleteMessage(ctx, p.MessageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorAck{Error: errNotFound}
		}
		g.log.Error("delete message failed", "messageId", p.MessageID, "error", err)
		return errorAck{Error: errDeleteFailed}
	}

	g.rooms.Broadcast(p.SessionID, EventMessageDeleted, MessageDeletedEvent{
		SessionID: p.SessionID,
		MessageID: p.MessageID,
		DeletedBy: c.Identity.UserID,
	})
	return okAck{OK: true}
}

// handleReact toggles the requester's reaction and fans out the recomputed
// summary.
func (g *Gateway) handleReact(c *Client, data json.RawMessage) any {
	var p reactMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errorAck{Error: errInvalidPayload}
	}
	emoji := strings.TrimSpace(p.Emoji)
	if p.SessionID == "" || p.MessageID == "" || emoji == "" {
		return errorAck{Error: errInvalidPayload}
	}
	if utf8.RuneCountInString(emoji) > domain.MaxEmojiLength {
		return errorAck{Error: errInvalidEmoji}
	}

	ctx := context.Background()
	if !g.isMember(ctx, c.Identity.UserID, p.SessionID) {
		return errorAck{Error: errUnauthorized}
	}

	meta, err := g.store.MessageMeta(ctx, p.MessageID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && meta.SessionID != p.SessionID) {
		return errorAck{Error: errNotFound}
	}
	if err != nil {
		g.log.Error("message lookup failed", "messageId", p.MessageID, "error", err)
		return errorAck{Error: errReactFailed}
	}

	if err := g.store.ToggleReaction(ctx, p.MessageID, c.Identity.UserID, emoji); err != nil {
		g.log.Error("toggle reaction failed", "messageId", p.MessageID, "error", err)
		return errorAck{Error: errReactFailed}
	}

	reactions, err := g.store.ReactionSummary(ctx, p.MessageID)
	if err != nil {
		g.log.Error("reaction summary failed", "messageId", p.MessageID, "error", err)
		return errorAck{Error: errReactFailed}
	}

	g.rooms.Broadcast(p.SessionID, EventMessageReactions, MessageReactionsEvent{
		SessionID: p.SessionID,
		MessageID: p.MessageID,
		Reactions: reactions,
	})
	return reactAck{OK: true, Reactions: reactions}
}

// handleTyping relays a typing start/stop to everyone in the room except its
// author. Nothing is persisted or tracked; remote expiry is the client's job.
func (g *Gateway) handleTyping(c *Client, event string, data json.RawMessage) any {
	sessionID := decodeSessionID(data)
	if sessionID == "" {
		return false
	}
	if !g.isMember(context.Background(), c.Identity.UserID, sessionID) {
		return false
	}
	g.rooms.BroadcastExcept(c.ID, sessionID, event, TypingEvent{
		SessionID: sessionID,
		UserID:    c.Identity.UserID,
	})
	return true
}

// handleRead validates the read message ids and relays a read update to the
// whole room, the reader's own other connections included. Invalid ids are
// dropped silently rather than failing the call.
func (g *Gateway) handleRead(c *Client, data json.RawMessage) any {
	var p messagesReadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return false
	}
	if p.SessionID == "" || len(p.MessageIDs) == 0 {
		return false
	}

	ctx := context.Background()
	if !g.isMember(ctx, c.Identity.UserID, p.SessionID) {
		return false
	}

	valid, err := g.store.FilterSessionMessageIDs(ctx, p.SessionID, p.MessageIDs)
	if err != nil {
		g.log.Error("read filter failed", "sessionId", p.SessionID, "error", err)
		return false
	}
	if len(valid) == 0 {
		return false
	}

	g.rooms.Broadcast(p.SessionID, EventMessagesReadUpdate, MessagesReadUpdateEvent{
		SessionID:  p.SessionID,
		ReaderID:   c.Identity.UserID,
		MessageIDs: valid,
	})

	// Last-read pointer persistence is broadcast-first: a failed write is
	// logged but never suppresses the update or the ack.
	userID, sessionID := c.Identity.UserID, p.SessionID
	go func() {
		if err := g.store.MarkRead(context.Background(), userID, sessionID); err != nil {
			g.log.Warn("persist read marker failed", "sessionId", sessionID, "error", err)
		}
	}()

	return true
}
