package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoSecret means the signing secret is not configured. Callers log it
	// distinctly from a bad token, but the connection sees the same reject.
	ErrNoSecret = errors.New("auth: signing secret not configured")

	// ErrInvalidToken covers malformed, expired, and badly-signed tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Identity is the verified claim attached to a connection at handshake time.
type Identity struct {
	UserID string
	Email  string
}

// TokenService signs and verifies the opaque bearer credential carried in the
// auth cookie.
type TokenService struct {
	secret     []byte
	ttl        time.Duration
	cookieName string
}

// NewTokenService builds a token helper with the given secret, TTL and cookie name.
func NewTokenService(secret, cookieName string, ttl time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), ttl: ttl, cookieName: cookieName}
}

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given identity.
func (s *TokenService) Generate(userID, email string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrNoSecret
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("auth: user id required")
	}

	now := time.Now()
	c := claims{
		Email: strings.TrimSpace(email),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(s.secret)
}

// Verify parses and validates a token and returns the identity embedded in it.
// Signature, expiry and shape failures all come back as ErrInvalidToken.
func (s *TokenService) Verify(token string) (*Identity, error) {
	if len(s.secret) == 0 {
		return nil, ErrNoSecret
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(c.Subject) == "" || strings.TrimSpace(c.Email) == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{UserID: c.Subject, Email: c.Email}, nil
}

// CookieName returns the name of the auth cookie.
func (s *TokenService) CookieName() string {
	return s.cookieName
}

// TokenFromRequest extracts the auth token from a request's cookies. When the
// Cookie header is missing entirely (some reverse proxies strip it on
// WebSocket upgrades) it falls back to the X-Forwarded-Cookie header.
// Returns "" when no token is present.
func (s *TokenService) TokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Cookie")
	if header == "" {
		header = r.Header.Get("X-Forwarded-Cookie")
	}
	return parseCookieHeader(header)[s.cookieName]
}

// parseCookieHeader parses a raw Cookie header value into a name->value map.
// Values keep everything after the first "=" so base64url tokens survive.
func parseCookieHeader(header string) map[string]string {
	out := map[string]string{}
	if header == "" {
		return out
	}
	for _, part := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		out[name] = value
	}
	return out
}
