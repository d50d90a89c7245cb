package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mmuslimabdulj/shipper-chat/internal/domain"
)

// Config holds all application configuration
type Config struct {
	// Server
	Port string

	// Security
	AllowedOrigins []string
	JWTSecret      string
	AuthCookieName string
	TokenTTL       time.Duration

	// Persistence
	DatabasePath string

	// Assistant
	OpenAIKey   string
	OpenAIModel string
	AIUserEmail string

	// Rate Limiting
	RateLimitAPI    rate.Limit
	RateLimitWS     rate.Limit
	RateLimitStrict rate.Limit

	// Logging
	LogLevel string

	// WebSocket
	MaxMessageSize int
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Port:            "8080",
		AllowedOrigins:  []string{"http://localhost:8080", "http://localhost:3000"},
		AuthCookieName:  domain.DefaultAuthCookieName,
		TokenTTL:        domain.TokenTTL,
		DatabasePath:    "shipper-chat.db",
		OpenAIModel:     "gpt-4o-mini",
		AIUserEmail:     "ai@local",
		RateLimitAPI:    domain.DefaultRateLimitAPI,
		RateLimitWS:     domain.DefaultRateLimitWS,
		RateLimitStrict: domain.DefaultRateLimitStrict,
		LogLevel:        "info", // Options: debug, info, warn, error
		MaxMessageSize:  domain.MaxMessageSize,
	}
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	// Server
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	// Security
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	// JWT_SECRET has no default on purpose: an empty secret rejects every
	// token instead of silently signing with a known value.
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	if name := os.Getenv("AUTH_COOKIE_NAME"); name != "" {
		cfg.AuthCookieName = name
	}

	if ttl := os.Getenv("TOKEN_TTL_HOURS"); ttl != "" {
		if hours, err := strconv.Atoi(ttl); err == nil && hours > 0 {
			cfg.TokenTTL = time.Duration(hours) * time.Hour
		}
	}

	// Persistence
	if path := os.Getenv("DATABASE_PATH"); path != "" {
		cfg.DatabasePath = path
	}

	// Assistant
	cfg.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		cfg.OpenAIModel = model
	}
	if email := os.Getenv("AI_USER_EMAIL"); email != "" {
		cfg.AIUserEmail = email
	}

	// Rate Limiting
	if rl := os.Getenv("RATE_LIMIT_API"); rl != "" {
		if val, err := strconv.Atoi(rl); err == nil && val > 0 {
			cfg.RateLimitAPI = rate.Limit(val)
		}
	}

	if rl := os.Getenv("RATE_LIMIT_WS"); rl != "" {
		if val, err := strconv.Atoi(rl); err == nil && val > 0 {
			cfg.RateLimitWS = rate.Limit(val)
		}
	}

	if rl := os.Getenv("RATE_LIMIT_STRICT"); rl != "" {
		if val, err := strconv.Atoi(rl); err == nil && val > 0 {
			cfg.RateLimitStrict = rate.Limit(val)
		}
	}

	// Logging
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	// WebSocket
	if size := os.Getenv("MAX_MESSAGE_SIZE"); size != "" {
		if val, err := strconv.Atoi(size); err == nil && val > 0 {
			cfg.MaxMessageSize = val
		}
	}

	return cfg
}

// parseOrigins parses comma-separated origins
func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
