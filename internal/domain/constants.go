package domain

import "time"

// ==== WebSocket Constants ====

// MaxMessageSize is the maximum allowed WebSocket frame size in bytes
const MaxMessageSize = 4096

// ==== Auth Constants ====

// TokenTTL is the default auth token time-to-live
const TokenTTL = 7 * 24 * time.Hour

// DefaultAuthCookieName is the cookie carrying the auth token
const DefaultAuthCookieName = "auth_token"

// MinPasswordLength is the minimum accepted password length at registration
const MinPasswordLength = 8

// ==== Chat Constants ====

const (
	// MaxEmojiLength bounds the reaction emoji input (grapheme clusters can
	// span several runes, so this is generous but still rejects garbage)
	MaxEmojiLength = 16

	// AIHistoryWindow is how many recent messages are sent to the assistant
	// as conversation context
	AIHistoryWindow = 30
)

// AIFallbackReply replaces the assistant's answer when the upstream stream
// fails or produces nothing. The user always sees some reply.
const AIFallbackReply = "Sorry, I couldn't generate a response."

// ==== Rate Limit Constants ====

const (
	// DefaultRateLimitAPI is the default rate limit for API endpoints (requests/sec)
	DefaultRateLimitAPI = 10

	// DefaultRateLimitWS is the default rate limit for WebSocket upgrades (req/sec)
	DefaultRateLimitWS = 5

	// DefaultRateLimitStrict is the stricter rate limit for auth endpoints
	DefaultRateLimitStrict = 2
)
