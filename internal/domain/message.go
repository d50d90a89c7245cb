package domain

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SessionType discriminates direct chats from assistant chats.
type SessionType string

const (
	SessionDirect SessionType = "direct"
	SessionAI     SessionType = "ai"
)

// Session is a persisted conversation thread with a fixed participant set.
type Session struct {
	ID        string      `json:"id"`
	Type      SessionType `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Message is a persisted chat message as delivered to clients.
type Message struct {
	ID        string          `json:"id"`
	Content   string          `json:"content"`
	Role      Role            `json:"role"`
	SenderID  string          `json:"senderId"`
	SessionID string          `json:"sessionId"`
	CreatedAt time.Time       `json:"createdAt"`
	Sender    UserRef         `json:"sender"`
	Reactions []ReactionCount `json:"reactions"`
}

// ReactionCount is one row of a message's reaction summary: how many
// participants reacted with a given emoji.
type ReactionCount struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

// ChatTurn is the role/content pair fed to the assistant as context.
type ChatTurn struct {
	Role    Role
	Content string
}
