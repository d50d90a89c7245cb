package ws

import (
	"encoding/json"

	"github.com/mmuslimabdulj/shipper-chat/internal/domain"
)

// Inbound event names (client -> server).
const (
	EventJoinSession   = "join_session"
	EventSendMessage   = "send_message"
	EventDeleteMessage = "delete_message"
	EventReactMessage  = "react_message"
	EventTypingStart   = "typing:start"
	EventTypingStop    = "typing:stop"
	EventMessagesRead  = "messages:read"
)

// Outbound event names (server -> client).
const (
	EventUserOnline         = "user_online"
	EventUserOffline        = "user_offline"
	EventReceiveMessage     = "receive_message"
	EventAIMessageStart     = "ai_message_start"
	EventAIMessageDelta     = "ai_message_delta"
	EventAIMessageDone      = "ai_message_done"
	EventMessagesReadUpdate = "messages:read:update"
	EventMessageDeleted     = "message_deleted"
	EventMessageReactions   = "message_reactions"
)

// Ack error reasons. Short machine-usable strings; the UI decides rendering.
const (
	errInvalidPayload = "Invalid payload"
	errUnauthorized   = "Unauthorized"
	errNotFound       = "Not found"
	errForbidden      = "Forbidden"
	errInvalidEmoji   = "Invalid emoji"
	errSendFailed     = "Failed to send message"
	errDeleteFailed   = "Failed to delete message"
	errReactFailed    = "Failed to react"
)

// frame is one wire message in either direction. Inbound: id (optional, >0
// requests an ack), event name and data. Outbound acks carry id+data; outbound
// events carry event+data.
type frame struct {
	ID    int64           `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ==== Inbound payloads ====

type sendMessagePayload struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

type deleteMessagePayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

type reactMessagePayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type messagesReadPayload struct {
	SessionID  string   `json:"sessionId"`
	MessageIDs []string `json:"messageIds"`
}

// decodeSessionID accepts either a bare JSON string or {"sessionId": "..."}.
// join_session and the typing events historically allowed both shapes.
func decodeSessionID(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var obj struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		return obj.SessionID
	}
	return ""
}

// ==== Outbound payloads ====

// UserOnlineEvent announces a user's first live connection.
type UserOnlineEvent struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// UserOfflineEvent announces a user's last connection closing.
type UserOfflineEvent struct {
	UserID string `json:"userId"`
}

// AIMessageStartEvent opens a streamed assistant reply. TempID correlates the
// provisional stream with the final persisted message.
type AIMessageStartEvent struct {
	TempID    string         `json:"tempId"`
	SessionID string         `json:"sessionId"`
	Sender    domain.UserRef `json:"sender"`
}

// AIMessageDeltaEvent carries one streamed chunk plus the accumulated text.
type AIMessageDeltaEvent struct {
	TempID    string `json:"tempId"`
	SessionID string `json:"sessionId"`
	Delta     string `json:"delta"`
	Content   string `json:"content"`
}

// AIMessageDoneEvent closes a streamed assistant reply with the persisted
// message. Always eventually follows an AIMessageStartEvent.
type AIMessageDoneEvent struct {
	TempID    string         `json:"tempId"`
	SessionID string         `json:"sessionId"`
	Message   domain.Message `json:"message"`
}

// TypingEvent relays a typing start/stop. Never sent back to its author.
type TypingEvent struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// MessagesReadUpdateEvent relays which messages a reader has seen.
type MessagesReadUpdateEvent struct {
	SessionID  string   `json:"sessionId"`
	ReaderID   string   `json:"readerId"`
	MessageIDs []string `json:"messageIds"`
}

// MessageDeletedEvent announces a deletion to the room.
type MessageDeletedEvent struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	DeletedBy string `json:"deletedBy"`
}

// MessageReactionsEvent carries the full recomputed reaction summary, not a
// delta.
type MessageReactionsEvent struct {
	SessionID string                 `json:"sessionId"`
	MessageID string                 `json:"messageId"`
	Reactions []domain.ReactionCount `json:"reactions"`
}

// ==== Acks ====

type errorAck struct {
	Error string `json:"error"`
}

type okAck struct {
	OK bool `json:"ok"`
}

type reactAck struct {
	OK        bool                   `json:"ok"`
	Reactions []domain.ReactionCount `json:"reactions"`
}

// ==== Encoding ====

func encodeEvent(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Event: event, Data: data})
}

func encodeAck(id int64, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{ID: id, Data: data})
}
