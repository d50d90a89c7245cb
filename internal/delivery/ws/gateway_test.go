package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmuslimabdulj/shipper-chat/internal/domain"
	"github.com/mmuslimabdulj/shipper-chat/internal/store"
)

// fakeStore is an in-memory Store for gateway tests. Error fields force a
// failure on the matching call; panicMembership makes the membership check
// panic to exercise the dispatch recovery path.
type fakeStore struct {
	mu sync.Mutex

	members      map[string]map[string]bool // sessionID -> userID -> member
	sessionTypes map[string]domain.SessionType
	messages     map[string]*store.MessageMeta
	turns        []domain.ChatTurn
	reactions    []domain.ReactionCount
	assistant    *domain.User

	created []domain.Message
	deleted []string
	toggled []string
	marked  chan string

	createErr       error
	deleteErr       error
	toggleErr       error
	assistantErr    error
	panicMembership bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		members:      map[string]map[string]bool{},
		sessionTypes: map[string]domain.SessionType{},
		messages:     map[string]*store.MessageMeta{},
		reactions:    []domain.ReactionCount{},
		assistant: &domain.User{
			ID:    "ai-user",
			Email: "ai@local",
			Name:  "AI",
		},
		marked: make(chan string, 8),
	}
}

func (f *fakeStore) addSession(sessionID string, typ domain.SessionType, memberIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionTypes[sessionID] = typ
	f.members[sessionID] = map[string]bool{}
	for _, id := range memberIDs {
		f.members[sessionID][id] = true
	}
}

func (f *fakeStore) addMessage(id, sessionID, senderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[id] = &store.MessageMeta{ID: id, SessionID: sessionID, SenderID: senderID}
}

func (f *fakeStore) IsParticipant(ctx context.Context, userID, sessionID string) (bool, error) {
	if f.panicMembership {
		panic("membership check exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[sessionID][userID], nil
}

func (f *fakeStore) SessionType(ctx context.Context, sessionID string) (domain.SessionType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.sessionTypes[sessionID]
	if !ok {
		return "", store.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) CreateMessage(ctx context.Context, sessionID, senderID string, role domain.Role, content string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	m := domain.Message{
		ID:        fmt.Sprintf("m%d", len(f.created)+1),
		Content:   content,
		Role:      role,
		SenderID:  senderID,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
		Sender:    domain.UserRef{ID: senderID},
		Reactions: []domain.ReactionCount{},
	}
	f.created = append(f.created, m)
	f.messages[m.ID] = &store.MessageMeta{ID: m.ID, SessionID: sessionID, SenderID: senderID}
	return &m, nil
}

func (f *fakeStore) MessageMeta(ctx context.Context, messageID string) (*store.MessageMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[messageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) DeleteMessage(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.messages[messageID]; !ok {
		return store.ErrNotFound
	}
	delete(f.messages, messageID)
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeStore) ToggleReaction(ctx context.Context, messageID, userID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.toggleErr != nil {
		return f.toggleErr
	}
	f.toggled = append(f.toggled, messageID+":"+userID+":"+emoji)
	return nil
}

func (f *fakeStore) ReactionSummary(ctx context.Context, messageID string) ([]domain.ReactionCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reactions, nil
}

func (f *fakeStore) FilterSessionMessageIDs(ctx context.Context, sessionID string, ids []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	valid := []string{}
	for _, id := range ids {
		if m, ok := f.messages[id]; ok && m.SessionID == sessionID {
			valid = append(valid, id)
		}
	}
	return valid, nil
}

func (f *fakeStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]domain.ChatTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns, nil
}

func (f *fakeStore) EnsureAssistantUser(ctx context.Context) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assistantErr != nil {
		return nil, f.assistantErr
	}
	return f.assistant, nil
}

func (f *fakeStore) MarkRead(ctx context.Context, userID, sessionID string) error {
	f.marked <- userID + ":" + sessionID
	return nil
}

// fakeReplier streams its configured chunks, or fails.
type fakeReplier struct {
	chunks []string
	err    error
}

func (f *fakeReplier) StreamReply(ctx context.Context, turns []domain.ChatTurn, onDelta func(delta, full string)) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	var full strings.Builder
	for _, chunk := range f.chunks {
		full.WriteString(chunk)
		if onDelta != nil {
			onDelta(chunk, full.String())
		}
	}
	return strings.TrimSpace(full.String()), nil
}

func newTestGateway(st *fakeStore, replier Replier) *Gateway {
	if replier == nil {
		replier = &fakeReplier{}
	}
	return NewGateway(st, replier, slog.New(slog.NewTextHandler(testWriter{}, nil)))
}

// testWriter swallows log output.
type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func decodeAck[T any](t *testing.T, f frame) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(f.Data, &v); err != nil {
		t.Fatalf("Bad ack payload %s: %v", f.Data, err)
	}
	return v
}

func dispatch(g *Gateway, c *Client, id int64, event string, payload any) {
	data, _ := json.Marshal(payload)
	g.Dispatch(c, frame{ID: id, Event: event, Data: data})
}

// ==== Connect / disconnect ====

func TestGateway_ConnectBroadcastsFirstConnectionOnly(t *testing.T) {
	g := newTestGateway(newFakeStore(), nil)
	c1 := newTestClient("c1", "u1")
	c2 := newTestClient("c2", "u2")

	g.HandleConnect(c1)
	f := recvFrame(t, c1)
	if f.Event != EventUserOnline {
		t.Fatalf("Expected user_online, got %s", f.Event)
	}

	g.HandleConnect(c2)
	// Both connections hear about u2 coming online.
	for _, c := range []*Client{c1, c2} {
		f := recvFrame(t, c)
		if f.Event != EventUserOnline {
			t.Fatalf("Expected user_online, got %s", f.Event)
		}
		ev := decodeAck[UserOnlineEvent](t, f)
		if ev.UserID != "u2" {
			t.Errorf("Expected u2 online, got %s", ev.UserID)
		}
	}

	// A second tab of u1 makes no noise.
	c3 := newTestClient("c3", "u1")
	g.HandleConnect(c3)
	noFrame(t, c1)
	noFrame(t, c2)
	noFrame(t, c3)
}

func TestGateway_DisconnectBroadcastsLastConnectionOnly(t *testing.T) {
	g := newTestGateway(newFakeStore(), nil)
	c1 := newTestClient("c1", "u1")
	c2 := newTestClient("c2", "u1")
	watcher := newTestClient("w", "u2")
	g.HandleConnect(c1)
	g.HandleConnect(c2)
	g.HandleConnect(watcher)
	drain(c1, c2, watcher)

	g.HandleDisconnect(c1)
	noFrame(t, watcher)

	g.HandleDisconnect(c2)
	f := recvFrame(t, watcher)
	if f.Event != EventUserOffline {
		t.Fatalf("Expected user_offline, got %s", f.Event)
	}
	ev := decodeAck[UserOfflineEvent](t, f)
	if ev.UserID != "u1" {
		t.Errorf("Expected u1 offline, got %s", ev.UserID)
	}
}

func TestGateway_DisconnectTwiceIsSafe(t *testing.T) {
	g := newTestGateway(newFakeStore(), nil)
	c1 := newTestClient("c1", "u1")
	watcher := newTestClient("w", "u2")
	g.HandleConnect(c1)
	g.HandleConnect(watcher)
	drain(c1, watcher)

	g.HandleDisconnect(c1)
	recvFrame(t, watcher) // offline
	g.HandleDisconnect(c1)
	noFrame(t, watcher)
}

func TestGateway_DisconnectDropsRoomMembership(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u1", "u2")
	g := newTestGateway(st, nil)

	c1 := newTestClient("c1", "u1")
	c2 := newTestClient("c2", "u2")
	g.HandleConnect(c1)
	g.HandleConnect(c2)
	dispatch(g, c1, 1, EventJoinSession, "s1")
	dispatch(g, c2, 1, EventJoinSession, "s1")
	drain(c1, c2)

	g.HandleDisconnect(c1)
	drain(c2)

	dispatch(g, c2, 2, EventSendMessage, sendMessagePayload{SessionID: "s1", Content: "hi"})
	if len(c1.send) != 0 {
		t.Error("Disconnected client must not receive room traffic")
	}
}

func drain(clients ...*Client) {
	for _, c := range clients {
		for len(c.send) > 0 {
			<-c.send
		}
	}
}

// ==== Join ====

func TestGateway_JoinSession(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u1", "u2")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	drain(c1)

	dispatch(g, c1, 1, EventJoinSession, "s1")
	f := recvFrame(t, c1)
	if f.ID != 1 {
		t.Errorf("Expected ack id 1, got %d", f.ID)
	}
	if !decodeAck[bool](t, f) {
		t.Error("Expected join to ack true")
	}
	if !g.rooms.Joined("c1", "s1") {
		t.Error("Expected connection subscribed to room")
	}
}

func TestGateway_JoinSessionObjectPayload(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u1")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	drain(c1)

	dispatch(g, c1, 1, EventJoinSession, map[string]string{"sessionId": "s1"})
	if !decodeAck[bool](t, recvFrame(t, c1)) {
		t.Error("Expected object-shaped join to ack true")
	}
}

func TestGateway_JoinSessionNonMember(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u2")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	drain(c1)

	dispatch(g, c1, 1, EventJoinSession, "s1")
	if decodeAck[bool](t, recvFrame(t, c1)) {
		t.Error("Non-member join must ack false")
	}
	if g.rooms.Joined("c1", "s1") {
		t.Error("Non-member must not be subscribed")
	}
}

func TestGateway_JoinSessionTwiceIdempotent(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u1")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	drain(c1)

	dispatch(g, c1, 1, EventJoinSession, "s1")
	dispatch(g, c1, 2, EventJoinSession, "s1")
	recvFrame(t, c1)
	if !decodeAck[bool](t, recvFrame(t, c1)) {
		t.Error("Second join must still ack true")
	}
}

func TestGateway_UnackedFrameGetsNoReply(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u1")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	drain(c1)

	dispatch(g, c1, 0, EventJoinSession, "s1")
	noFrame(t, c1)
	if !g.rooms.Joined("c1", "s1") {
		t.Error("Join without ack id must still take effect")
	}
}

func TestGateway_UnknownEvent(t *testing.T) {
	g := newTestGateway(newFakeStore(), nil)
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	drain(c1)

	dispatch(g, c1, 1, "make_coffee", nil)
	ack := decodeAck[errorAck](t, recvFrame(t, c1))
	if ack.Error != "Unknown event" {
		t.Errorf("Expected Unknown event, got %q", ack.Error)
	}
}

// ==== Send ====

func TestGateway_SendMessage(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u1", "u2")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	c2 := newTestClient("c2", "u2")
	g.HandleConnect(c1)
	g.HandleConnect(c2)
	dispatch(g, c1, 1, EventJoinSession, "s1")
	dispatch(g, c2, 1, EventJoinSession, "s1")
	drain(c1, c2)

	dispatch(g, c1, 2, EventSendMessage, sendMessagePayload{SessionID: "s1", Content: "  hello  "})

	// Sender sees the room broadcast first, then the ack.
	bcast := recvFrame(t, c1)
	if bcast.Event != EventReceiveMessage {
		t.Fatalf("Expected receive_message, got %s", bcast.Event)
	}
	msg := decodeAck[domain.Message](t, bcast)
	if msg.Content != "hello" {
		t.Errorf("Expected trimmed content, got %q", msg.Content)
	}
	if msg.SenderID != "u1" || msg.Role != domain.RoleUser {
		t.Errorf("Unexpected message: %+v", msg)
	}

	ackFrame := recvFrame(t, c1)
	ackMsg := decodeAck[domain.Message](t, ackFrame)
	if ackMsg.ID != msg.ID {
		t.Errorf("Ack must carry the persisted message; got %s vs %s", ackMsg.ID, msg.ID)
	}

	peer := recvFrame(t, c2)
	if peer.Event != EventReceiveMessage {
		t.Errorf("Peer expected receive_message, got %s", peer.Event)
	}

	if len(st.created) != 1 {
		t.Fatalf("Expected 1 persisted message, got %d", len(st.created))
	}
}

func TestGateway_SendMessageValidation(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u1")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	drain(c1)

	cases := []sendMessagePayload{
		{SessionID: "", Content: "hi"},
		{SessionID: "s1", Content: ""},
		{SessionID: "s1", Content: "   "},
	}
	for i, p := range cases {
		dispatch(g, c1, int64(i+1), EventSendMessage, p)
		ack := decodeAck[errorAck](t, recvFrame(t, c1))
		if ack.Error != "Invalid payload" {
			t.Errorf("Case %d: expected Invalid payload, got %q", i, ack.Error)
		}
	}
	if len(st.created) != 0 {
		t.Error("Nothing should be persisted")
	}
}

func TestGateway_SendMessageNonMember(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u2")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	drain(c1)

	dispatch(g, c1, 1, EventSendMessage, sendMessagePayload{SessionID: "s1", Content: "hi"})
	ack := decodeAck[errorAck](t, recvFrame(t, c1))
	if ack.Error != "Unauthorized" {
		t.Errorf("Expected Unauthorized, got %q", ack.Error)
	}
	if len(st.created) != 0 {
		t.Error("Nothing should be persisted")
	}
}

func TestGateway_SendMessagePersistFailure(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u1", "u2")
	st.createErr = errors.New("disk full")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	c2 := newTestClient("c2", "u2")
	g.HandleConnect(c1)
	g.HandleConnect(c2)
	dispatch(g, c2, 1, EventJoinSession, "s1")
	drain(c1, c2)

	dispatch(g, c1, 2, EventSendMessage, sendMessagePayload{SessionID: "s1", Content: "hi"})
	ack := decodeAck[errorAck](t, recvFrame(t, c1))
	if ack.Error != "Failed to send message" {
		t.Errorf("Expected Failed to send message, got %q", ack.Error)
	}
	// Persist failed, so the room must stay silent.
	noFrame(t, c2)
}

func TestGateway_SendMessageHandlerPanicStillAcks(t *testing.T) {
	st := newFakeStore()
	st.panicMembership = true
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	drain(c1)

	dispatch(g, c1, 1, EventSendMessage, sendMessagePayload{SessionID: "s1", Content: "hi"})
	ack := decodeAck[errorAck](t, recvFrame(t, c1))
	if ack.Error != "Failed to send message" {
		t.Errorf("Expected Failed to send message after panic, got %q", ack.Error)
	}
}

// ==== Assistant flow ====

func TestGateway_AssistantReplyStream(t *testing.T) {
	st := newFakeStore()
	st.addSession("ai1", domain.SessionAI, "u1", "ai-user")
	st.turns = []domain.ChatTurn{{Role: domain.RoleUser, Content: "hi"}}
	g := newTestGateway(st, &fakeReplier{chunks: []string{"Hel", "lo"}})
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	dispatch(g, c1, 1, EventJoinSession, "ai1")
	drain(c1)

	g.runAssistantReply("ai1")

	start := recvFrame(t, c1)
	if start.Event != EventAIMessageStart {
		t.Fatalf("Expected ai_message_start, got %s", start.Event)
	}
	startEv := decodeAck[AIMessageStartEvent](t, start)
	if startEv.TempID == "" || startEv.SessionID != "ai1" || startEv.Sender.ID != "ai-user" {
		t.Errorf("Unexpected start event: %+v", startEv)
	}

	d1 := decodeAck[AIMessageDeltaEvent](t, recvFrame(t, c1))
	if d1.Delta != "Hel" || d1.Content != "Hel" || d1.TempID != startEv.TempID {
		t.Errorf("Unexpected first delta: %+v", d1)
	}
	d2 := decodeAck[AIMessageDeltaEvent](t, recvFrame(t, c1))
	if d2.Delta != "lo" || d2.Content != "Hello" {
		t.Errorf("Unexpected second delta: %+v", d2)
	}

	done := recvFrame(t, c1)
	if done.Event != EventAIMessageDone {
		t.Fatalf("Expected ai_message_done, got %s", done.Event)
	}
	doneEv := decodeAck[AIMessageDoneEvent](t, done)
	if doneEv.TempID != startEv.TempID {
		t.Error("Done event must correlate with start via tempId")
	}
	if doneEv.Message.Content != "Hello" || doneEv.Message.Role != domain.RoleAssistant {
		t.Errorf("Unexpected final message: %+v", doneEv.Message)
	}

	dup := recvFrame(t, c1)
	if dup.Event != EventReceiveMessage {
		t.Errorf("Expected duplicate receive_message, got %s", dup.Event)
	}

	if len(st.created) != 1 || st.created[0].SenderID != "ai-user" {
		t.Errorf("Expected one persisted assistant message, got %+v", st.created)
	}
}

func TestGateway_AssistantReplyFallbackOnStreamError(t *testing.T) {
	st := newFakeStore()
	st.addSession("ai1", domain.SessionAI, "u1", "ai-user")
	g := newTestGateway(st, &fakeReplier{err: errors.New("upstream down")})
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	dispatch(g, c1, 1, EventJoinSession, "ai1")
	drain(c1)

	g.runAssistantReply("ai1")

	start := recvFrame(t, c1)
	if start.Event != EventAIMessageStart {
		t.Fatalf("Expected ai_message_start, got %s", start.Event)
	}
	done := recvFrame(t, c1)
	if done.Event != EventAIMessageDone {
		t.Fatalf("Expected ai_message_done, got %s", done.Event)
	}
	doneEv := decodeAck[AIMessageDoneEvent](t, done)
	if doneEv.Message.Content != domain.AIFallbackReply {
		t.Errorf("Expected fallback reply, got %q", doneEv.Message.Content)
	}
}

func TestGateway_AssistantReplyDoneDespitePersistFailure(t *testing.T) {
	st := newFakeStore()
	st.addSession("ai1", domain.SessionAI, "u1", "ai-user")
	st.createErr = errors.New("disk full")
	g := newTestGateway(st, &fakeReplier{chunks: []string{"Hi"}})
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	dispatch(g, c1, 1, EventJoinSession, "ai1")
	drain(c1)

	g.runAssistantReply("ai1")

	start := decodeAck[AIMessageStartEvent](t, recvFrame(t, c1))
	recvFrame(t, c1) // delta
	done := recvFrame(t, c1)
	if done.Event != EventAIMessageDone {
		t.Fatalf("Expected ai_message_done even when persistence fails, got %s", done.Event)
	}
	doneEv := decodeAck[AIMessageDoneEvent](t, done)
	if doneEv.Message.ID != start.TempID {
		t.Error("Unpersisted final message must reuse the tempId")
	}
	if doneEv.Message.Content != "Hi" {
		t.Errorf("Expected streamed text, got %q", doneEv.Message.Content)
	}
}

func TestGateway_SendInAISessionTriggersAssistant(t *testing.T) {
	st := newFakeStore()
	st.addSession("ai1", domain.SessionAI, "u1", "ai-user")
	g := newTestGateway(st, &fakeReplier{chunks: []string{"Hello"}})
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	dispatch(g, c1, 1, EventJoinSession, "ai1")
	drain(c1)

	dispatch(g, c1, 2, EventSendMessage, sendMessagePayload{SessionID: "ai1", Content: "hi"})

	// User message broadcast + ack arrive synchronously; the assistant reply
	// streams in on its own goroutine.
	recvFrame(t, c1)
	recvFrame(t, c1)

	deadline := time.After(2 * time.Second)
	seenDone := false
	for !seenDone {
		select {
		case data := <-c1.send:
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Fatalf("Bad frame: %v", err)
			}
			if f.Event == EventAIMessageDone {
				seenDone = true
			}
		case <-deadline:
			t.Fatal("Timed out waiting for ai_message_done")
		}
	}
}

// ==== Delete ====

func TestGateway_DeleteOwnMessage(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u1", "u2")
	st.addMessage("m1", "s1", "u1")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	c2 := newTestClient("c2", "u2")
	g.HandleConnect(c1)
	g.HandleConnect(c2)
	dispatch(g, c1, 1, EventJoinSession, "s1")
	dispatch(g, c2, 1, EventJoinSession, "s1")
	drain(c1, c2)

	dispatch(g, c1, 2, EventDeleteMessage, deleteMessagePayload{SessionID: "s1", MessageID: "m1"})

	bcast := recvFrame(t, c2)
	if bcast.Event != EventMessageDeleted {
		t.Fatalf("Expected message_deleted, got %s", bcast.Event)
	}
	ev := decodeAck[MessageDeletedEvent](t, bcast)
	if ev.MessageID != "m1" || ev.DeletedBy != "u1" {
		t.Errorf("Unexpected delete event: %+v", ev)
	}

	recvFrame(t, c1) // sender's copy of the broadcast
	ack := decodeAck[okAck](t, recvFrame(t, c1))
	if !ack.OK {
		t.Error("Expected ok ack")
	}
	if len(st.deleted) != 1 {
		t.Errorf("Expected 1 deletion, got %d", len(st.deleted))
	}
}

func TestGateway_DeleteErrors(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u1", "u2")
	st.addSession("s2", domain.SessionDirect, "u1")
	st.addMessage("mine", "s1", "u1")
	st.addMessage("theirs", "s1", "u2")
	st.addMessage("elsewhere", "s2", "u1")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	drain(c1)

	cases := []struct {
		payload deleteMessagePayload
		want    string
	}{
		{deleteMessagePayload{SessionID: "s1", MessageID: ""}, "Invalid payload"},
		{deleteMessagePayload{SessionID: "s1", MessageID: "ghost"}, "Not found"},
		// A real message in a different session reads as missing.
		{deleteMessagePayload{SessionID: "s1", MessageID: "elsewhere"}, "Not found"},
		{deleteMessagePayload{SessionID: "s1", MessageID: "theirs"}, "Forbidden"},
	}
	for i, tc := range cases {
		dispatch(g, c1, int64(i+1), EventDeleteMessage, tc.payload)
		ack := decodeAck[errorAck](t, recvFrame(t, c1))
		if ack.Error != tc.want {
			t.Errorf("Case %d: expected %q, got %q", i, tc.want, ack.Error)
		}
	}
	if len(st.deleted) != 0 {
		t.Error("Nothing should be deleted")
	}
}

func TestGateway_DeleteNonMember(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u2")
	st.addMessage("m1", "s1", "u2")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	drain(c1)

	dispatch(g, c1, 1, EventDeleteMessage, deleteMessagePayload{SessionID: "s1", MessageID: "m1"})
	ack := decodeAck[errorAck](t, recvFrame(t, c1))
	if ack.Error != "Unauthorized" {
		t.Errorf("Expected Unauthorized, got %q", ack.Error)
	}
}

// ==== Reactions ====

func TestGateway_ReactMessage(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u1", "u2")
	st.addMessage("m1", "s1", "u2")
	st.reactions = []domain.ReactionCount{{Emoji: "👍", Count: 1}}
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	c2 := newTestClient("c2", "u2")
	g.HandleConnect(c1)
	g.HandleConnect(c2)
	dispatch(g, c1, 1, EventJoinSession, "s1")
	dispatch(g, c2, 1, EventJoinSession, "s1")
	drain(c1, c2)

	dispatch(g, c1, 2, EventReactMessage, reactMessagePayload{SessionID: "s1", MessageID: "m1", Emoji: "👍"})

	bcast := recvFrame(t, c2)
	if bcast.Event != EventMessageReactions {
		t.Fatalf("Expected message_reactions, got %s", bcast.Event)
	}
	ev := decodeAck[MessageReactionsEvent](t, bcast)
	if len(ev.Reactions) != 1 || ev.Reactions[0].Emoji != "👍" {
		t.Errorf("Unexpected reactions: %+v", ev.Reactions)
	}

	recvFrame(t, c1) // broadcast copy
	ack := decodeAck[reactAck](t, recvFrame(t, c1))
	if !ack.OK || len(ack.Reactions) != 1 {
		t.Errorf("Unexpected ack: %+v", ack)
	}
	if len(st.toggled) != 1 {
		t.Errorf("Expected one toggle, got %v", st.toggled)
	}
}

func TestGateway_ReactInvalidEmoji(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u1")
	st.addMessage("m1", "s1", "u1")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	drain(c1)

	long := strings.Repeat("x", domain.MaxEmojiLength+1)
	dispatch(g, c1, 1, EventReactMessage, reactMessagePayload{SessionID: "s1", MessageID: "m1", Emoji: long})
	ack := decodeAck[errorAck](t, recvFrame(t, c1))
	if ack.Error != "Invalid emoji" {
		t.Errorf("Expected Invalid emoji, got %q", ack.Error)
	}
}

func TestGateway_ReactMissingMessage(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u1")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	drain(c1)

	dispatch(g, c1, 1, EventReactMessage, reactMessagePayload{SessionID: "s1", MessageID: "ghost", Emoji: "👍"})
	ack := decodeAck[errorAck](t, recvFrame(t, c1))
	if ack.Error != "Not found" {
		t.Errorf("Expected Not found, got %q", ack.Error)
	}
}

// ==== Typing ====

func TestGateway_TypingRelayedExceptAuthor(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u1", "u2")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	c2 := newTestClient("c2", "u2")
	g.HandleConnect(c1)
	g.HandleConnect(c2)
	dispatch(g, c1, 1, EventJoinSession, "s1")
	dispatch(g, c2, 1, EventJoinSession, "s1")
	drain(c1, c2)

	for _, event := range []string{EventTypingStart, EventTypingStop} {
		dispatch(g, c1, 2, event, "s1")

		f := recvFrame(t, c2)
		if f.Event != event {
			t.Errorf("Expected %s, got %s", event, f.Event)
		}
		ev := decodeAck[TypingEvent](t, f)
		if ev.UserID != "u1" || ev.SessionID != "s1" {
			t.Errorf("Unexpected typing event: %+v", ev)
		}

		// Author only gets the ack, never the echo.
		if !decodeAck[bool](t, recvFrame(t, c1)) {
			t.Error("Expected typing ack true")
		}
		noFrame(t, c1)
	}
}

func TestGateway_TypingNonMember(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u2")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	drain(c1)

	dispatch(g, c1, 1, EventTypingStart, "s1")
	if decodeAck[bool](t, recvFrame(t, c1)) {
		t.Error("Non-member typing must ack false")
	}
}

// ==== Read receipts ====

func TestGateway_MessagesRead(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u1", "u2")
	st.addSession("s2", domain.SessionDirect, "u1")
	st.addMessage("m1", "s1", "u2")
	st.addMessage("m2", "s1", "u2")
	st.addMessage("other", "s2", "u1")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	c2 := newTestClient("c2", "u2")
	g.HandleConnect(c1)
	g.HandleConnect(c2)
	dispatch(g, c1, 1, EventJoinSession, "s1")
	dispatch(g, c2, 1, EventJoinSession, "s1")
	drain(c1, c2)

	dispatch(g, c1, 2, EventMessagesRead, messagesReadPayload{
		SessionID:  "s1",
		MessageIDs: []string{"m1", "ghost", "other", "m2"},
	})

	f := recvFrame(t, c2)
	if f.Event != EventMessagesReadUpdate {
		t.Fatalf("Expected messages:read:update, got %s", f.Event)
	}
	ev := decodeAck[MessagesReadUpdateEvent](t, f)
	if ev.ReaderID != "u1" {
		t.Errorf("Expected reader u1, got %s", ev.ReaderID)
	}
	if len(ev.MessageIDs) != 2 || ev.MessageIDs[0] != "m1" || ev.MessageIDs[1] != "m2" {
		t.Errorf("Expected foreign ids filtered out, got %v", ev.MessageIDs)
	}

	// The reader's own connection hears the update too (multi-tab sync).
	own := recvFrame(t, c1)
	if own.Event != EventMessagesReadUpdate {
		t.Errorf("Expected reader's own update, got %s", own.Event)
	}
	if !decodeAck[bool](t, recvFrame(t, c1)) {
		t.Error("Expected read ack true")
	}

	select {
	case marked := <-st.marked:
		if marked != "u1:s1" {
			t.Errorf("Unexpected mark-read record: %s", marked)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for read marker persistence")
	}
}

func TestGateway_MessagesReadAllInvalid(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u1")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	dispatch(g, c1, 1, EventJoinSession, "s1")
	drain(c1)

	dispatch(g, c1, 2, EventMessagesRead, messagesReadPayload{SessionID: "s1", MessageIDs: []string{"ghost"}})
	if decodeAck[bool](t, recvFrame(t, c1)) {
		t.Error("All-invalid read must ack false")
	}
	noFrame(t, c1)
}

func TestGateway_MessagesReadEmpty(t *testing.T) {
	st := newFakeStore()
	st.addSession("s1", domain.SessionDirect, "u1")
	g := newTestGateway(st, nil)
	c1 := newTestClient("c1", "u1")
	g.HandleConnect(c1)
	drain(c1)

	dispatch(g, c1, 1, EventMessagesRead, messagesReadPayload{SessionID: "s1"})
	if decodeAck[bool](t, recvFrame(t, c1)) {
		t.Error("Empty id list must ack false")
	}
}
