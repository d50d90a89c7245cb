package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmuslimabdulj/shipper-chat/internal/auth"
	"github.com/mmuslimabdulj/shipper-chat/internal/config"
	"github.com/mmuslimabdulj/shipper-chat/internal/delivery/ws"
	"github.com/mmuslimabdulj/shipper-chat/internal/domain"
	"github.com/mmuslimabdulj/shipper-chat/internal/middleware"
	"github.com/mmuslimabdulj/shipper-chat/internal/store"
)

const bcryptCost = 12

// Handler serves the REST surface and the WebSocket upgrade.
type Handler struct {
	gateway  *ws.Gateway
	store    *store.SQLite
	tokens   *auth.TokenService
	cfg      *config.Config
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler wires the HTTP layer.
func NewHandler(gw *ws.Gateway, st *store.SQLite, tokens *auth.TokenService, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{gateway: gw, store: st, tokens: tokens, cfg: cfg, log: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return h.isOriginAllowed(r.Header.Get("Origin"))
		},
	}
	return h
}

// isOriginAllowed checks if the origin is in the allowed list. Empty origin
// (same-origin and non-browser clients) is allowed.
func (h *Handler) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || origin == allowed {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ==== Realtime surface ====

// HandleWebSocket authenticates the handshake and hands the connection to the
// gateway. Auth failures reject before the upgrade; no events are processed.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := h.tokens.TokenFromRequest(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	identity, err := h.tokens.Verify(token)
	if err != nil {
		// A missing secret is an operator problem, not a client one; log it
		// apart from ordinary bad tokens but reject identically.
		if errors.Is(err, auth.ErrNoSecret) {
			h.log.Error("websocket auth misconfigured", "error", err)
		}
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := ws.NewClient(h.gateway, conn, *identity)
	h.gateway.HandleConnect(client)
	go client.WritePump()
	go client.ReadPump()
}

// HandleOnlineUsers returns the presence snapshot.
func (h *Handler) HandleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"onlineUsers": h.gateway.Presence().Snapshot(),
	})
}

// HandleHealthz reports liveness.
func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ==== Auth ====

func (h *Handler) setAuthCookie(w http.ResponseWriter, token string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.tokens.CookieName(),
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// HandleRegister creates an account and signs the caller in.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Image    string `json:"image"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	email := strings.ToLower(strings.TrimSpace(body.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeError(w, http.StatusBadRequest, "Invalid email")
		return
	}
	if len(body.Password) < domain.MinPasswordLength {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(body.Password), bcryptCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	user, err := h.store.CreateUser(r.Context(), email, strings.TrimSpace(body.Name), strings.TrimSpace(body.Image), string(hash))
	if errors.Is(err, store.ErrAlreadyExists) {
		writeError(w, http.StatusConflict, "Email already in use")
		return
	}
	if err != nil {
		h.log.Error("register failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	token, err := h.tokens.Generate(user.ID, user.Email)
	if err != nil {
		h.log.Error("token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	h.setAuthCookie(w, token, int(h.cfg.TokenTTL.Seconds()))
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

// HandleLogin verifies credentials and sets the auth cookie. Unknown email
// and wrong password are indistinguishable.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	email := strings.ToLower(strings.TrimSpace(body.Email))
	if email == "" || !strings.Contains(email, "@") || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Invalid credentials")
		return
	}

	user, err := h.store.UserByEmail(r.Context(), email)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		h.log.Error("login lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(body.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.tokens.Generate(user.ID, user.Email)
	if err != nil {
		h.log.Error("token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	h.setAuthCookie(w, token, int(h.cfg.TokenTTL.Seconds()))
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// HandleLogout clears the auth cookie.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.setAuthCookie(w, "", -1)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ==== Users ====

// HandleUsers lists every account except the caller's.
func (h *Handler) HandleUsers(w http.ResponseWriter, r *http.Request) {
	me := middleware.IdentityFrom(r.Context())
	users, err := h.store.ListUsers(r.Context(), me.UserID)
	if err != nil {
		h.log.Error("list users failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// HandleUserByID returns one user's public record.
func (h *Handler) HandleUserByID(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "Missing userId")
		return
	}
	user, err := h.store.UserByID(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if err != nil {
		h.log.Error("user lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// HandleMe returns the caller's own record.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	me := middleware.IdentityFrom(r.Context())
	user, err := h.store.UserByID(r.Context(), me.UserID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if err != nil {
		h.log.Error("me lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// ==== Sessions ====

// HandleCreateSession finds or creates the direct session between the caller
// and one other user.
func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	me := middleware.IdentityFrom(r.Context())

	var body struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if body.UserID == "" {
		writeError(w, http.StatusBadRequest, "Missing userId")
		return
	}
	if body.UserID == me.UserID {
		writeError(w, http.StatusBadRequest, "Invalid userId")
		return
	}
	if _, err := h.store.UserByID(r.Context(), body.UserID); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid userId")
		return
	}

	sessionID, err := h.store.FindOrCreateDirectSession(r.Context(), me.UserID, body.UserID)
	if err != nil {
		h.log.Error("create session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID})
}

// HandleSessions lists the caller's direct sessions with the peer's user id.
func (h *Handler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	me := middleware.IdentityFrom(r.Context())
	sessions, err := h.store.DirectSessions(r.Context(), me.UserID)
	if err != nil {
		h.log.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// HandleAISession finds or creates the caller's assistant session.
func (h *Handler) HandleAISession(w http.ResponseWriter, r *http.Request) {
	me := middleware.IdentityFrom(r.Context())
	sessionID, err := h.store.FindOrCreateAISession(r.Context(), me.UserID)
	if err != nil {
		h.log.Error("create ai session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID})
}

// HandleSessionBootstrap returns everything a client needs to render a
// session: participants plus messages with reaction summaries. Non-members
// get the same 404 as a missing session.
func (h *Handler) HandleSessionBootstrap(w http.ResponseWriter, r *http.Request) {
	me := middleware.IdentityFrom(r.Context())
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "Missing sessionId")
		return
	}

	member, err := h.store.IsParticipant(r.Context(), me.UserID, sessionID)
	if err != nil {
		h.log.Error("bootstrap membership check failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if !member {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	participants, err := h.store.SessionParticipants(r.Context(), sessionID)
	if err != nil {
		h.log.Error("bootstrap participants failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	refs := make([]domain.UserRef, 0, len(participants))
	for i := range participants {
		refs = append(refs, participants[i].Ref())
	}

	messages, err := h.store.SessionMessages(r.Context(), sessionID)
	if err != nil {
		h.log.Error("bootstrap messages failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"meUserId":        me.UserID,
		"sessionId":       sessionID,
		"participants":    refs,
		"initialMessages": messages,
	})
}
